// Package resource serves the read side: paginated listings of the
// active-changes collection and memory-bounded reads of change artifacts.
// Listings sort stably and resume through fingerprint-bound cursors; reads
// below a size threshold return one buffered unit and larger artifacts
// stream in capped chunks against a global memory budget.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/svcfields"
)

const (
	// DefaultPageSize applies when the caller does not request a size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps client-requested page sizes.
	DefaultMaxPageSize = 100
	// DefaultSmallFileThreshold is the size at or below which a read
	// returns the whole artifact in one unit.
	DefaultSmallFileThreshold = 64 * 1024
	// DefaultChunkSize is the streaming chunk size before adaptive
	// reduction.
	DefaultChunkSize = 64 * 1024
	// DefaultChunkFloor is the smallest grant the budget hands out before
	// rejecting new work.
	DefaultChunkFloor = 4 * 1024
	// DefaultStreamBudget bounds aggregate in-flight read memory.
	DefaultStreamBudget = 8 * 1024 * 1024
	// DefaultHeartbeatInterval bounds how long an abandoned stream
	// survives without consumer activity.
	DefaultHeartbeatInterval = 15 * time.Second
)

// LockInspector supplies current lock state for ownership-based access
// checks. Satisfied by the lock manager.
type LockInspector interface {
	Inspect(ctx context.Context, resource string) (*api.LockDocument, error)
}

// Options configures a Provider.
type Options struct {
	Store              *changes.Store
	Authorizer         *authz.Engine
	Locks              LockInspector
	Logger             pslog.Logger
	Clock              clock.Clock
	MaxPageSize        int
	SmallFileThreshold int64
	ChunkSize          int64
	StreamBudget       int64
	HeartbeatInterval  time.Duration
}

// Provider answers list and read requests over the change store.
type Provider struct {
	store      *changes.Store
	authorizer *authz.Engine
	locks      LockInspector
	logger     pslog.Logger
	clock      clock.Clock

	maxPageSize    int
	smallThreshold int64
	chunkSize      int64
	heartbeat      time.Duration
	budget         *streamBudget
}

// New constructs a Provider, filling zero options with defaults.
func New(opts Options) (*Provider, error) {
	if opts.Store == nil || opts.Authorizer == nil {
		return nil, fmt.Errorf("resource: store and authorizer required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}
	if opts.SmallFileThreshold <= 0 {
		opts.SmallFileThreshold = DefaultSmallFileThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.StreamBudget <= 0 {
		opts.StreamBudget = DefaultStreamBudget
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Provider{
		store:          opts.Store,
		authorizer:     opts.Authorizer,
		locks:          opts.Locks,
		logger:         svcfields.WithSubsystem(opts.Logger, "resource"),
		clock:          opts.Clock,
		maxPageSize:    opts.MaxPageSize,
		smallThreshold: opts.SmallFileThreshold,
		chunkSize:      opts.ChunkSize,
		heartbeat:      opts.HeartbeatInterval,
		budget:         newStreamBudget(opts.StreamBudget, DefaultChunkFloor),
	}, nil
}

// Handles returns the resource handles for one change's artifacts.
func (p *Provider) Handles(slug string) []api.ResourceHandle {
	paths := p.store.Paths(slug)
	return []api.ResourceHandle{
		{URI: ArtifactURI(slug, "proposal"), Path: paths.Proposal},
		{URI: ArtifactURI(slug, "tasks"), Path: paths.Tasks},
		{URI: ArtifactURI(slug, "delta"), Path: paths.Delta},
	}
}

// ListQuery selects one page of the collection. Cursor takes precedence
// over Page when both are set.
type ListQuery struct {
	Cursor   string
	Page     int
	PageSize int
}

// List returns one page of active changes in stable order. The order keys on
// last-modified descending, then created descending, then slug ascending; a
// cursor resumes only while the listing snapshot it was issued against is
// unchanged.
func (p *Provider) List(ctx context.Context, identity authz.Identity, query ListQuery) (*api.ListResult, error) {
	if decision := p.authorizer.CheckAccess(identity, CollectionURI, authz.ActionRead, authz.CollectionOwnership()); !decision.Allowed {
		return nil, decision.Failure(CollectionURI)
	}
	items, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sortSummaries(items)

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > p.maxPageSize {
		pageSize = p.maxPageSize
	}

	start := 0
	switch {
	case query.Cursor != "":
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		if snapshotFingerprint(items) != c.Snapshot {
			return nil, staleCursor()
		}
		// Resume by sort position, then confirm the element there is the
		// one the cursor was issued at.
		idx := sort.Search(len(items), func(i int) bool { return !c.sortsBefore(items[i]) })
		if idx >= len(items) || items[idx].Slug != c.Slug || fingerprint(items[idx]) != c.Fingerprint {
			return nil, staleCursor()
		}
		start = idx + 1
	case query.Page > 1:
		start = (query.Page - 1) * pageSize
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	result := &api.ListResult{Items: items[start:end]}
	if end < len(items) && end > start {
		result.NextCursor = encodeCursor(items[end-1], items)
	}
	return result, nil
}

// ReadQuery selects artifact bytes. Offset and Length of zero mean "from the
// start" and "provider-chosen amount".
type ReadQuery struct {
	URI    string
	Offset int64
	Length int64
}

// Read returns one unit of artifact content. Small artifacts arrive whole;
// larger ones return a bounded chunk plus the offset to resume from, so a
// caller can restart mid-artifact without the provider holding state.
func (p *Provider) Read(ctx context.Context, identity authz.Identity, query ReadQuery) (*api.ResourceReadResult, error) {
	path, size, err := p.openTarget(ctx, identity, query.URI)
	if err != nil {
		return nil, err
	}
	if query.Offset < 0 || query.Offset > size {
		return nil, api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("offset %d outside artifact of %d bytes", query.Offset, size),
			HTTPStatus: 400,
		}
	}

	want := p.chunkSize
	if size <= p.smallThreshold && query.Offset == 0 && query.Length == 0 {
		want = size
		if want == 0 {
			want = 1
		}
	}
	if query.Length > 0 && query.Length < want {
		want = query.Length
	}
	grant, err := p.budget.reserve(want)
	if err != nil {
		return nil, err
	}
	defer p.budget.release(grant)

	file, err := os.Open(path)
	if err != nil {
		return nil, readFailure(query.URI, err)
	}
	defer file.Close()

	buf := make([]byte, grant)
	n, err := file.ReadAt(buf, query.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, readFailure(query.URI, err)
	}
	next := query.Offset + int64(n)
	return &api.ResourceReadResult{
		URI:        query.URI,
		Content:    string(buf[:n]),
		Offset:     query.Offset,
		NextOffset: next,
		EOF:        next >= size,
		Size:       size,
	}, nil
}

// openTarget authorizes the read and resolves the backing file.
func (p *Provider) openTarget(ctx context.Context, identity authz.Identity, uri string) (string, int64, error) {
	parsed, err := parseURI(uri)
	if err != nil {
		return "", 0, err
	}
	if parsed.Slug == "" {
		return "", 0, api.Failure{
			Code:       api.CodeValidation,
			Detail:     "the collection is listed, not read",
			Hint:       "use the listing operation for " + CollectionURI,
			HTTPStatus: 400,
		}
	}
	if _, err := p.store.Get(ctx, parsed.Slug); err != nil {
		return "", 0, err
	}
	ownership, err := p.ownership(ctx, parsed.Slug)
	if err != nil {
		return "", 0, err
	}
	if decision := p.authorizer.CheckAccess(identity, uri, authz.ActionRead, ownership); !decision.Allowed {
		return "", 0, decision.Failure(uri)
	}
	path, err := p.store.ArtifactPath(parsed.Slug, parsed.Artifact)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, unknownURI(uri)
		}
		return "", 0, readFailure(uri, err)
	}
	return path, info.Size(), nil
}

func (p *Provider) ownership(ctx context.Context, slug string) (*authz.Ownership, error) {
	if p.locks == nil {
		return nil, nil
	}
	doc, err := p.locks.Inspect(ctx, slug)
	if err != nil {
		if api.IsCode(err, api.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return authz.OwnershipFromLock(doc), nil
}

func sortSummaries(items []api.ChangeSummary) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.After(b.ModifiedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Slug < b.Slug
	})
}

func readFailure(uri string, err error) api.Failure {
	return api.Failure{
		Code:       api.CodeIOFailure,
		Detail:     fmt.Sprintf("read %s: %v", uri, err),
		HTTPStatus: 500,
	}
}
