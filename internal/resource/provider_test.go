package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/policy"
)

type fakeLocks struct {
	docs map[string]*api.LockDocument
}

func (f *fakeLocks) Inspect(_ context.Context, resource string) (*api.LockDocument, error) {
	if doc, ok := f.docs[resource]; ok {
		return doc, nil
	}
	return nil, api.Failure{Code: api.CodeNotFound, Detail: "no lock", HTTPStatus: 404}
}

type testEnv struct {
	store    *changes.Store
	provider *Provider
	manual   *clock.Manual
	locks    *fakeLocks
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := changes.New(changes.Options{Root: t.TempDir(), Clock: manual})
	if err != nil {
		t.Fatalf("changes.New: %v", err)
	}
	locks := &fakeLocks{docs: map[string]*api.LockDocument{}}
	opts.Store = store
	opts.Authorizer = authz.New(policy.Default())
	opts.Locks = locks
	opts.Clock = manual
	provider, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{store: store, provider: provider, manual: manual, locks: locks}
}

// seedChanges opens n changes and staggers their modification times so that
// change-n is the most recently modified.
func (env *testEnv) seedChanges(t *testing.T, n int) []string {
	t.Helper()
	ctx := context.Background()
	slugs := make([]string, 0, n)
	base := env.manual.Now().Add(-time.Hour)
	for i := 1; i <= n; i++ {
		slug := fmt.Sprintf("change-%03d", i)
		if _, _, err := env.store.Open(ctx, changes.OpenCommand{Slug: slug}); err != nil {
			t.Fatalf("Open %s: %v", slug, err)
		}
		stampChange(t, env.store, slug, base.Add(time.Duration(i)*time.Minute))
		slugs = append(slugs, slug)
	}
	return slugs
}

func stampChange(t *testing.T, store *changes.Store, slug string, at time.Time) {
	t.Helper()
	dir := filepath.Join(store.Root(), slug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	for _, entry := range entries {
		if err := os.Chtimes(filepath.Join(dir, entry.Name()), at, at); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func TestListPaginatesInStableOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 5)
	ctx := context.Background()
	identity := authz.Identity{ID: "alice", Authenticated: true}

	page1, err := env.provider.List(ctx, identity, ListQuery{PageSize: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	assertSlugs(t, page1.Items, "change-005", "change-004")
	if page1.NextCursor == "" {
		t.Fatalf("page 1 missing cursor")
	}

	page2, err := env.provider.List(ctx, identity, ListQuery{PageSize: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	assertSlugs(t, page2.Items, "change-003", "change-002")
	if page2.NextCursor == "" {
		t.Fatalf("page 2 missing cursor")
	}

	page3, err := env.provider.List(ctx, identity, ListQuery{PageSize: 2, Cursor: page2.NextCursor})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	assertSlugs(t, page3.Items, "change-001")
	if page3.NextCursor != "" {
		t.Fatalf("final page carries cursor %q", page3.NextCursor)
	}
}

func TestListNumericPages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 5)
	page, err := env.provider.List(context.Background(), authz.Identity{}, ListQuery{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertSlugs(t, page.Items, "change-003", "change-002")
}

func TestListCapsPageSize(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{MaxPageSize: 3})
	env.seedChanges(t, 5)
	page, err := env.provider.List(context.Background(), authz.Identity{}, ListQuery{PageSize: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items, want the server cap of 3", len(page.Items))
	}
}

func TestListStaleCursor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 5)
	ctx := context.Background()
	identity := authz.Identity{}

	page1, err := env.provider.List(ctx, identity, ListQuery{PageSize: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	// Touch the element the cursor was issued at; its fingerprint no longer
	// matches and the resume must fail rather than drift.
	stampChange(t, env.store, "change-004", env.manual.Now().Add(time.Hour))

	_, err = env.provider.List(ctx, identity, ListQuery{PageSize: 2, Cursor: page1.NextCursor})
	if !api.IsCode(err, api.CodeStaleCursor) {
		t.Fatalf("err = %v, want %s", err, api.CodeStaleCursor)
	}
}

func TestListStaleCursorWhenItemResortsAcross(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 5)
	ctx := context.Background()
	identity := authz.Identity{}

	page1, err := env.provider.List(ctx, identity, ListQuery{PageSize: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	assertSlugs(t, page1.Items, "change-005", "change-004")

	// change-002 sorted after the cursor when it was issued; touching it
	// moves it ahead of the cursor position. The element the cursor points
	// at is untouched, but resuming must still fail instead of skipping
	// change-002.
	stampChange(t, env.store, "change-002", env.manual.Now().Add(time.Hour))

	_, err = env.provider.List(ctx, identity, ListQuery{PageSize: 2, Cursor: page1.NextCursor})
	if !api.IsCode(err, api.CodeStaleCursor) {
		t.Fatalf("err = %v, want %s", err, api.CodeStaleCursor)
	}
}

func TestListInvalidCursor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 2)
	_, err := env.provider.List(context.Background(), authz.Identity{}, ListQuery{Cursor: "not%%base64"})
	if !api.IsCode(err, api.CodeInvalidCursor) {
		t.Fatalf("err = %v, want %s", err, api.CodeInvalidCursor)
	}
}

func TestReadSmallArtifactWhole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 1)
	content := "# change-001\n\n## Why\n\n## What changes\n"
	writeArtifact(t, env.store, "change-001", "proposal.md", content)

	result, err := env.provider.Read(context.Background(), authz.Identity{}, ReadQuery{URI: ArtifactURI("change-001", "proposal")})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if result.Content != content {
		t.Fatalf("content = %q", result.Content)
	}
	if !result.EOF {
		t.Fatalf("small read not at EOF")
	}
	if env.provider.budget.used() != 0 {
		t.Fatalf("budget not released: %d", env.provider.budget.used())
	}
}

func TestReadLargeArtifactRestartsFromOffset(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{SmallFileThreshold: 16, ChunkSize: 32})
	env.seedChanges(t, 1)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	writeArtifact(t, env.store, "change-001", "delta.md", string(payload))

	ctx := context.Background()
	uri := ArtifactURI("change-001", "delta")
	var got []byte
	offset := int64(0)
	for range 10 {
		result, err := env.provider.Read(ctx, authz.Identity{}, ReadQuery{URI: uri, Offset: offset})
		if err != nil {
			t.Fatalf("Read at %d: %v", offset, err)
		}
		if len(result.Content) > 32 {
			t.Fatalf("chunk of %d bytes exceeds chunk size", len(result.Content))
		}
		got = append(got, result.Content...)
		offset = result.NextOffset
		if result.EOF {
			break
		}
	}
	if string(got) != string(payload) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadDeniedForForeignLockedChange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 1)
	env.locks.docs["change-001"] = &api.LockDocument{
		Owner: "alice",
		Metadata: api.LockMetadata{
			UserIdentity: "alice",
			SessionID:    "sess-a",
		},
	}

	_, err := env.provider.Read(context.Background(), authz.Identity{ID: "mallory", Authenticated: true}, ReadQuery{URI: ArtifactURI("change-001", "proposal")})
	if !api.IsCode(err, api.CodeOwnerRequired) {
		t.Fatalf("err = %v, want %s", err, api.CodeOwnerRequired)
	}

	if _, err := env.provider.Read(context.Background(), authz.Identity{ID: "alice"}, ReadQuery{URI: ArtifactURI("change-001", "proposal")}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestReadUnknownArtifact(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.seedChanges(t, 1)
	_, err := env.provider.Read(context.Background(), authz.Identity{}, ReadQuery{URI: Scheme + "changes/change-001/notes"})
	if !api.IsCode(err, api.CodeNotFound) {
		t.Fatalf("err = %v, want %s", err, api.CodeNotFound)
	}
}

func assertSlugs(t *testing.T, items []api.ChangeSummary, want ...string) {
	t.Helper()
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.Slug != want[i] {
			t.Fatalf("item %d = %s, want %s", i, item.Slug, want[i])
		}
	}
}

func writeArtifact(t *testing.T, store *changes.Store, slug, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(store.Root(), slug, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}
