package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/xid"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/tools"
)

const (
	toolChangeOpen    = "change.open"
	toolChangeArchive = "change.archive"
	toolChangesList   = "changes.list"
	toolChangeRead    = "change.read"
)

// caller resolves the identity the facade acts as for one MCP session.
func (s *server) caller(req *mcpsdk.CallToolRequest) tools.Caller {
	sessionID := ""
	if req != nil && req.Session != nil {
		sessionID = req.Session.ID()
	}
	if sessionID == "" {
		sessionID = xid.New().String()
	}
	identity := strings.TrimSpace(s.cfg.Identity)
	return tools.Caller{
		Identity: authz.Identity{
			ID:            identity,
			Username:      identity,
			SessionID:     sessionID,
			Authenticated: identity != "",
		},
		SessionID: sessionID,
	}
}

type changeOpenToolInput struct {
	Slug        string `json:"slug" jsonschema:"Change slug (3-64 chars of a-z 0-9 and hyphen)"`
	Title       string `json:"title,omitempty" jsonschema:"Human-readable change title"`
	Rationale   string `json:"rationale,omitempty" jsonschema:"Why the change exists"`
	Owner       string `json:"owner,omitempty" jsonschema:"Lock owner (defaults to the facade identity)"`
	Template    string `json:"template,omitempty" jsonschema:"Scaffolding template name"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty" jsonschema:"Lock TTL in seconds (defaults per environment)"`
	HoldSession bool   `json:"hold_session,omitempty" jsonschema:"Keep the lock refreshed until archive"`
	Force       bool   `json:"force,omitempty" jsonschema:"Confirm a reclaim of a stale or lower-privilege lock"`
}

type changeOpenToolOutput struct {
	Slug            string               `json:"slug"`
	Status          string               `json:"status"`
	Paths           api.ChangePaths      `json:"paths"`
	ResourceHandles []api.ResourceHandle `json:"resource_handles"`
	LockExpiresAt   int64                `json:"lock_expires_at_unix,omitempty"`
}

func (s *server) handleChangeOpenTool(ctx context.Context, req *mcpsdk.CallToolRequest, input changeOpenToolInput) (*mcpsdk.CallToolResult, changeOpenToolOutput, error) {
	result, err := s.execute(ctx, req, tools.ToolChangeOpen, tools.OpenInput{
		Slug:        strings.TrimSpace(input.Slug),
		Title:       strings.TrimSpace(input.Title),
		Rationale:   input.Rationale,
		Owner:       strings.TrimSpace(input.Owner),
		Template:    strings.TrimSpace(input.Template),
		TTLSeconds:  input.TTLSeconds,
		HoldSession: input.HoldSession,
		Force:       input.Force,
	})
	if err != nil {
		return nil, changeOpenToolOutput{}, err
	}
	opened, ok := result.(api.OpenResult)
	if !ok {
		return nil, changeOpenToolOutput{}, fmt.Errorf("unexpected open result %T", result)
	}
	return nil, changeOpenToolOutput{
		Slug:            opened.Slug,
		Status:          string(opened.Status),
		Paths:           opened.Paths,
		ResourceHandles: opened.ResourceHandles,
		LockExpiresAt:   opened.LockExpiresAt,
	}, nil
}

type changeArchiveToolInput struct {
	Slug  string `json:"slug" jsonschema:"Change slug to archive"`
	Owner string `json:"owner,omitempty" jsonschema:"Lock owner (defaults to the facade identity)"`
	Force bool   `json:"force,omitempty" jsonschema:"Confirm a reclaim of a stale or lower-privilege lock"`
}

type changeArchiveToolOutput struct {
	Slug            string `json:"slug"`
	Archived        bool   `json:"archived"`
	AlreadyArchived bool   `json:"already_archived,omitempty"`
	Receipt         string `json:"receipt,omitempty"`
}

func (s *server) handleChangeArchiveTool(ctx context.Context, req *mcpsdk.CallToolRequest, input changeArchiveToolInput) (*mcpsdk.CallToolResult, changeArchiveToolOutput, error) {
	result, err := s.execute(ctx, req, tools.ToolChangeArchive, tools.ArchiveInput{
		Slug:  strings.TrimSpace(input.Slug),
		Owner: strings.TrimSpace(input.Owner),
		Force: input.Force,
	})
	if err != nil {
		return nil, changeArchiveToolOutput{}, err
	}
	archived, ok := result.(api.ArchiveResult)
	if !ok {
		return nil, changeArchiveToolOutput{}, fmt.Errorf("unexpected archive result %T", result)
	}
	return nil, changeArchiveToolOutput{
		Slug:            archived.Slug,
		Archived:        archived.Archived,
		AlreadyArchived: archived.AlreadyArchived,
		Receipt:         archived.Receipt,
	}, nil
}

type changesListToolInput struct {
	Cursor   string `json:"cursor,omitempty" jsonschema:"Opaque cursor from a prior page"`
	Page     int    `json:"page,omitempty" jsonschema:"1-based page number for cursorless paging"`
	PageSize int    `json:"page_size,omitempty" jsonschema:"Requested page size (server-capped)"`
}

type changesListToolOutput struct {
	Items      []api.ChangeSummary `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func (s *server) handleChangesListTool(ctx context.Context, req *mcpsdk.CallToolRequest, input changesListToolInput) (*mcpsdk.CallToolResult, changesListToolOutput, error) {
	listing, err := s.resources.List(ctx, s.caller(req).Identity, resource.ListQuery{
		Cursor:   strings.TrimSpace(input.Cursor),
		Page:     input.Page,
		PageSize: input.PageSize,
	})
	if err != nil {
		return nil, changesListToolOutput{}, err
	}
	return nil, changesListToolOutput{Items: listing.Items, NextCursor: listing.NextCursor}, nil
}

type changeReadToolInput struct {
	Slug     string `json:"slug" jsonschema:"Change slug"`
	Artifact string `json:"artifact" jsonschema:"Artifact name: proposal, tasks, or delta"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"Byte offset to resume a chunked read from"`
	Length   int64  `json:"length,omitempty" jsonschema:"Maximum bytes to return (0 means provider-chosen)"`
}

type changeReadToolOutput struct {
	URI        string `json:"uri"`
	Content    string `json:"content"`
	Offset     int64  `json:"offset"`
	EOF        bool   `json:"eof"`
	NextOffset int64  `json:"next_offset,omitempty"`
	Size       int64  `json:"size"`
}

func (s *server) handleChangeReadTool(ctx context.Context, req *mcpsdk.CallToolRequest, input changeReadToolInput) (*mcpsdk.CallToolResult, changeReadToolOutput, error) {
	slug := strings.TrimSpace(input.Slug)
	artifact := strings.TrimSpace(input.Artifact)
	if slug == "" || artifact == "" {
		return nil, changeReadToolOutput{}, fmt.Errorf("slug and artifact are required")
	}
	read, err := s.resources.Read(ctx, s.caller(req).Identity, resource.ReadQuery{
		URI:    resource.ArtifactURI(slug, artifact),
		Offset: input.Offset,
		Length: input.Length,
	})
	if err != nil {
		return nil, changeReadToolOutput{}, err
	}
	return nil, changeReadToolOutput{
		URI:        read.URI,
		Content:    read.Content,
		Offset:     read.Offset,
		EOF:        read.EOF,
		NextOffset: read.NextOffset,
		Size:       read.Size,
	}, nil
}

// execute funnels facade tool calls through the registry so inputs pass the
// same schema validation and lock bracketing as every other transport.
func (s *server) execute(ctx context.Context, req *mcpsdk.CallToolRequest, name string, input any) (any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", name, err)
	}
	return s.tools.Execute(ctx, s.caller(req), name, raw)
}
