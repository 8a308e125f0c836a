package changes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := New(Options{Root: t.TempDir(), Clock: manual})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, manual
}

func TestValidateSlug(t *testing.T) {
	t.Parallel()
	valid := []string{"add-login", "abc", "a1b", "change-2026-refresh"}
	for _, slug := range valid {
		if err := ValidateSlug(slug); err != nil {
			t.Errorf("ValidateSlug(%q) = %v, want nil", slug, err)
		}
	}
	invalid := []string{"", "ab", "-leading", "trailing-", "Upper-Case", "under_score", "dots.here", strings.Repeat("x", 65)}
	for _, slug := range invalid {
		err := ValidateSlug(slug)
		if err == nil {
			t.Errorf("ValidateSlug(%q) = nil, want validation failure", slug)
			continue
		}
		if !api.IsCode(err, api.CodeValidation) {
			t.Errorf("ValidateSlug(%q) code = %s, want %s", slug, api.FailureCode(err), api.CodeValidation)
		}
	}
}

func TestOpenCreatesWorkspace(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	change, created, err := store.Open(ctx, OpenCommand{Slug: "add-login", Title: "Add login"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !created {
		t.Fatalf("created = false, want true")
	}
	if change.Status != api.StatusDraft {
		t.Fatalf("status = %s, want %s", change.Status, api.StatusDraft)
	}
	for _, path := range []string{change.Paths.Proposal, change.Paths.Tasks, change.Paths.Delta, filepath.Join(change.Paths.Root, "change.json")} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected artifact %s: %v", path, err)
		}
	}
}

func TestOpenPersistsRationale(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	change, _, err := store.Open(ctx, OpenCommand{Slug: "add-login", Title: "Add login", Rationale: "sessions expire too aggressively"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if change.Rationale != "sessions expire too aggressively" {
		t.Fatalf("rationale = %q, want the one passed to Open", change.Rationale)
	}
	got, err := store.Get(ctx, "add-login")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Rationale != change.Rationale {
		t.Fatalf("Get rationale = %q, want %q", got.Rationale, change.Rationale)
	}
	raw, err := os.ReadFile(filepath.Join(change.Paths.Root, "change.json"))
	if err != nil {
		t.Fatalf("read change.json: %v", err)
	}
	var doc struct {
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode change.json: %v", err)
	}
	if doc.Rationale != change.Rationale {
		t.Fatalf("persisted rationale = %q, want %q", doc.Rationale, change.Rationale)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	store, manual := newTestStore(t)
	ctx := context.Background()

	first, _, err := store.Open(ctx, OpenCommand{Slug: "add-login", Title: "Add login"})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	manual.Advance(time.Hour)
	second, created, err := store.Open(ctx, OpenCommand{Slug: "add-login", Title: "Different title"})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if created {
		t.Fatalf("second open reported created")
	}
	if second.Title != first.Title {
		t.Fatalf("title changed on reopen: %q -> %q", first.Title, second.Title)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on reopen: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestOpenDefaultsTitleToSlug(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	change, _, err := store.Open(context.Background(), OpenCommand{Slug: "fix-cache"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if change.Title != "fix-cache" {
		t.Fatalf("title = %q, want slug fallback", change.Title)
	}
}

func TestArchiveIsOneWay(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Open(ctx, OpenCommand{Slug: "add-login"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	change, already, receipt, err := store.Archive(ctx, "add-login")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if already {
		t.Fatalf("first archive reported already_archived")
	}
	if change.Status != api.StatusArchived {
		t.Fatalf("status = %s, want %s", change.Status, api.StatusArchived)
	}
	if receipt == "" {
		t.Fatalf("no receipt path returned")
	}
	raw, err := os.ReadFile(receipt)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("receipt not json: %v", err)
	}
	if doc["slug"] != "add-login" {
		t.Fatalf("receipt slug = %v", doc["slug"])
	}

	// Active location gone, archive present.
	if _, err := os.Stat(filepath.Join(store.Root(), "add-login")); !os.IsNotExist(err) {
		t.Fatalf("active dir still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), ArchiveDirName, "add-login", "proposal.md")); err != nil {
		t.Fatalf("archived artifacts missing: %v", err)
	}

	// Second archive is a no-op reporting the prior state.
	_, already, receipt2, err := store.Archive(ctx, "add-login")
	if err != nil {
		t.Fatalf("second Archive: %v", err)
	}
	if !already {
		t.Fatalf("second archive did not report already_archived")
	}
	if receipt2 != receipt {
		t.Fatalf("receipt path changed: %q -> %q", receipt, receipt2)
	}

	// Reopening an archived slug is refused.
	_, _, err = store.Open(ctx, OpenCommand{Slug: "add-login"})
	if !api.IsCode(err, api.CodeArchivedConflict) {
		t.Fatalf("reopen err = %v, want %s", err, api.CodeArchivedConflict)
	}
}

func TestArchiveUnknownChange(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	_, _, _, err := store.Archive(context.Background(), "never-opened")
	if !api.IsCode(err, api.CodeNotFound) {
		t.Fatalf("err = %v, want %s", err, api.CodeNotFound)
	}
}

func TestListExcludesArchivedAndNoise(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"alpha-change", "beta-change", "gamma-change"} {
		if _, _, err := store.Open(ctx, OpenCommand{Slug: slug}); err != nil {
			t.Fatalf("Open %s: %v", slug, err)
		}
	}
	if _, _, _, err := store.Archive(ctx, "beta-change"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	// Stray non-change directory in the root.
	if err := os.MkdirAll(filepath.Join(store.Root(), "not-a-change"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[string]bool{}
	for _, s := range summaries {
		got[s.Slug] = true
	}
	if len(summaries) != 2 || !got["alpha-change"] || !got["gamma-change"] {
		t.Fatalf("List = %v, want alpha-change and gamma-change only", got)
	}
}

func TestArtifactPath(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	path, err := store.ArtifactPath("add-login", "tasks")
	if err != nil {
		t.Fatalf("ArtifactPath: %v", err)
	}
	if filepath.Base(path) != "tasks.md" {
		t.Fatalf("path = %s", path)
	}
	if _, err := store.ArtifactPath("add-login", "notes"); !api.IsCode(err, api.CodeNotFound) {
		t.Fatalf("unknown artifact err = %v, want %s", err, api.CodeNotFound)
	}
}
