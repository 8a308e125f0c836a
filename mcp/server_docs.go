package mcp

import (
	"context"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	docOverviewURI = "resource://docs/overview.md"
	docLockingURI  = "resource://docs/locking.md"
)

func (s *server) registerResources(srv *mcpsdk.Server) {
	for _, uri := range s.resourceURIs() {
		srv.AddResource(&mcpsdk.Resource{
			URI:         uri,
			Name:        uri,
			Title:       uri,
			Description: "changed MCP operational documentation",
			MIMEType:    "text/markdown",
		}, s.handleDocResource)
	}
}

func (s *server) resourceURIs() []string {
	docs := s.resourceDocs()
	uris := make([]string, 0, len(docs))
	for uri := range docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

func (s *server) resourceDocs() map[string]string {
	return map[string]string{
		docOverviewURI: strings.TrimSpace(`
# changed MCP Overview

A change workspace is a directory of three artifacts: proposal.md (why and
what), tasks.md (the work breakdown), and delta.md (the behavioral delta).

Recommended workflow:
1. change.open with a slug (lowercase letters, digits, hyphens). Opening an
   existing non-archived slug returns it unchanged.
2. Edit the artifacts. Use changes.list to find workspaces and change.read
   to fetch artifact content; large artifacts come back in chunks with a
   next_offset to resume from.
3. change.archive when the change ships. Archival is one-way: the workspace
   moves to the archive and its slug can never be reopened.

Pagination: changes.list returns next_cursor; pass it back as cursor. A
stale_cursor error means the listing changed under you; restart from the
first page.
`),
		docLockingURI: strings.TrimSpace(`
# changed Locking Workflow

Every mutation runs under an advisory file lock on the change slug.

1. change.open acquires the lock and creates or resumes the workspace. The
   lock stays held until its ttl expires or the change is archived; the
   result reports the expiry as lock_expires_at_unix.
2. Pass hold_session=true to auto-refresh the lock for a long editing
   session; change.archive on the same slug ends the session.
3. A lock_held error means another owner is active. It carries the holder's
   expiry as retry_after_seconds; waiting it out is the safe path.
4. force=true reclaims a lock out from under its holder. The reclaim is
   audited and still subject to the lock manager's reclaim rules; use it
   only for provably dead holders.

If a mutation fails mid-flight the lock is kept so the same owner can retry
without racing anyone else.

Locks are advisory. They coordinate cooperating agents; they do not stop a
caller that bypasses the tools and edits files directly.
`),
	}
}

func (s *server) handleDocResource(_ context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	uri := ""
	if req != nil && req.Params != nil {
		uri = strings.TrimSpace(req.Params.URI)
	}
	docs := s.resourceDocs()
	content, ok := docs[uri]
	if !ok {
		return nil, mcpsdk.ResourceNotFoundError(uri)
	}
	return &mcpsdk.ReadResourceResult{
		Contents: []*mcpsdk.ResourceContents{{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     content,
		}},
	}, nil
}
