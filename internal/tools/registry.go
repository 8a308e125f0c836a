// Package tools holds the mutating tool surface: declared input schemas,
// aggregated input validation, and an executor that brackets every mutation
// with authorization and lock coordination.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/lockfile"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/svcfields"
	"pkt.systems/changed/internal/sysinfo"
)

// Tool names on the protocol surface.
const (
	ToolChangeOpen    = "change.open"
	ToolChangeArchive = "change.archive"
)

// Info describes one registered tool for capability listings.
type Info struct {
	// Name is the protocol-level tool name.
	Name string `json:"name"`
	// Description summarises what the tool does.
	Description string `json:"description"`
}

// Caller identifies who is executing a tool.
type Caller struct {
	Identity  authz.Identity
	SessionID string
}

type handler func(ctx context.Context, caller Caller, input any) (any, error)

type tool struct {
	info     Info
	newInput func() any
	run      handler
}

// Options configures a Registry.
type Options struct {
	Store    *changes.Store
	Locks    *lockfile.Manager
	Provider *resource.Provider
	Policy   policy.Config
	Host     sysinfo.Info
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Registry validates and executes tool calls.
type Registry struct {
	store    *changes.Store
	locks    *lockfile.Manager
	provider *resource.Provider
	policy   policy.Config
	authz    *authz.Engine
	host     sysinfo.Info
	logger   pslog.Logger
	clock    clock.Clock
	validate *validator.Validate
	tools    map[string]tool
	sessions *refreshSessions
}

// New constructs the Registry with the built-in tool set.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil || opts.Locks == nil || opts.Provider == nil {
		return nil, fmt.Errorf("tools: store, locks and provider required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	r := &Registry{
		store:    opts.Store,
		locks:    opts.Locks,
		provider: opts.Provider,
		policy:   opts.Policy,
		authz:    authz.New(opts.Policy),
		host:     opts.Host,
		logger:   svcfields.WithSubsystem(opts.Logger, "tools"),
		clock:    opts.Clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tools:    map[string]tool{},
	}
	r.sessions = newRefreshSessions(r)
	r.register(tool{
		info: Info{
			Name:        ToolChangeOpen,
			Description: "Open (or return) a change workspace under an advisory lock.",
		},
		newInput: func() any { return &OpenInput{} },
		run: func(ctx context.Context, caller Caller, input any) (any, error) {
			return r.runOpen(ctx, caller, input.(*OpenInput))
		},
	})
	r.register(tool{
		info: Info{
			Name:        ToolChangeArchive,
			Description: "Archive a change workspace; the transition is one-way and idempotent.",
		},
		newInput: func() any { return &ArchiveInput{} },
		run: func(ctx context.Context, caller Caller, input any) (any, error) {
			return r.runArchive(ctx, caller, input.(*ArchiveInput))
		},
	})
	return r, nil
}

func (r *Registry) register(t tool) {
	r.tools[t.info.Name] = t
}

// List returns tool descriptors in name order.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Execute validates rawInput against the named tool's schema and runs it.
// Validation reports every violated field at once, so one correction
// round-trip suffices.
func (r *Registry) Execute(ctx context.Context, caller Caller, name string, rawInput json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, api.Failure{
			Code:       api.CodeUnknownTool,
			Detail:     fmt.Sprintf("unknown tool %q", name),
			Hint:       "available tools: " + strings.Join(r.toolNames(), ", "),
			HTTPStatus: 404,
		}
	}
	input := t.newInput()
	if len(rawInput) > 0 {
		decoder := json.NewDecoder(strings.NewReader(string(rawInput)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(input); err != nil {
			return nil, api.Failure{
				Code:       api.CodeValidation,
				Detail:     fmt.Sprintf("malformed input for %s: %v", name, err),
				HTTPStatus: 400,
			}
		}
	}
	if err := r.validate.Struct(input); err != nil {
		return nil, validationFailure(name, err)
	}
	return t.run(ctx, caller, input)
}

// Shutdown stops all held-session refreshers.
func (r *Registry) Shutdown() {
	r.sessions.stopAll()
}

func (r *Registry) toolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validationFailure flattens validator errors into one aggregated failure.
func validationFailure(toolName string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("invalid input for %s: %v", toolName, err),
			HTTPStatus: 400,
		}
	}
	fields := make([]api.FieldViolation, 0, len(verrs))
	for _, verr := range verrs {
		fields = append(fields, api.FieldViolation{
			Field:      strings.ToLower(verr.Field()),
			Constraint: verr.Tag(),
			Detail:     fmt.Sprintf("failed %q constraint", verr.Tag()),
		})
	}
	return api.Failure{
		Code:       api.CodeValidation,
		Detail:     fmt.Sprintf("invalid input for %s: %d field(s) rejected", toolName, len(fields)),
		Hint:       "correct all listed fields and retry",
		HTTPStatus: 400,
		Fields:     fields,
	}
}

// ownerFor picks the recorded lock owner string for a caller.
func (r *Registry) ownerFor(caller Caller, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if caller.Identity.ID != "" {
		return caller.Identity.ID
	}
	if r.host.Username != "" {
		return fmt.Sprintf("%s@%s", r.host.Username, r.host.Hostname)
	}
	return fmt.Sprintf("pid-%d@%s", r.host.ProcessID, r.host.Hostname)
}

func (r *Registry) ttlFor(requested int64, purpose api.Purpose) int64 {
	if requested > 0 {
		return requested
	}
	return r.policy.DefaultTTL(r.host.Environment, purpose)
}

func (r *Registry) metadataFor(caller Caller, purpose api.Purpose) api.LockMetadata {
	meta := r.host.Metadata(caller.SessionID, purpose)
	// The recorded identity feeds the same-user reclaim rule, so a caller
	// re-opening their own held slug resumes instead of conflicting.
	switch {
	case caller.Identity.Username != "":
		meta.UserIdentity = caller.Identity.Username
	case caller.Identity.ID != "":
		meta.UserIdentity = caller.Identity.ID
	}
	return meta
}

// executionFailure wraps a mutation error. The lock stays held so a retry
// resumes under the same ownership instead of racing a reclaim.
func executionFailure(slug string, ttl int64, err error) error {
	var failure api.Failure
	if errors.As(err, &failure) && failure.Code != "" {
		if failure.Hint == "" {
			failure.Hint = heldForRetryHint(ttl)
		}
		return failure
	}
	return api.Failure{
		Code:       api.CodeExecutionFailure,
		Detail:     fmt.Sprintf("mutation on %s failed: %v", slug, err),
		Hint:       heldForRetryHint(ttl),
		HTTPStatus: 500,
	}
}

func heldForRetryHint(ttl int64) string {
	return fmt.Sprintf("your lock is still held (ttl %s); retrying as the same owner is safe", (time.Duration(ttl) * time.Second).String())
}
