package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/lockfile"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/sysinfo"
)

type testRig struct {
	registry *Registry
	store    *changes.Store
	locks    *lockfile.Manager
	manual   *clock.Manual
}

func newTestRig(t *testing.T, pol policy.Config) *testRig {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	root := t.TempDir()
	store, err := changes.New(changes.Options{Root: root, Clock: manual})
	if err != nil {
		t.Fatalf("changes.New: %v", err)
	}
	locks, err := lockfile.New(lockfile.Options{Dir: filepath.Join(root, ".locks"), Policy: pol, Clock: manual})
	if err != nil {
		t.Fatalf("lockfile.New: %v", err)
	}
	t.Cleanup(func() { locks.Close() })
	provider, err := resource.New(resource.Options{
		Store:      store,
		Authorizer: authz.New(pol),
		Locks:      locks,
		Clock:      manual,
	})
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	registry, err := New(Options{
		Store:    store,
		Locks:    locks,
		Provider: provider,
		Policy:   pol,
		Host: sysinfo.Info{
			Hostname:    "devbox",
			ProcessID:   4242,
			Username:    "casey",
			Environment: api.EnvironmentLocal,
		},
		Clock: manual,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(registry.Shutdown)
	return &testRig{registry: registry, store: store, locks: locks, manual: manual}
}

func execute[T any](t *testing.T, rig *testRig, caller Caller, tool string, input any) T {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	result, err := rig.registry.Execute(context.Background(), caller, tool, raw)
	if err != nil {
		t.Fatalf("Execute %s: %v", tool, err)
	}
	typed, ok := result.(T)
	if !ok {
		t.Fatalf("Execute %s returned %T", tool, result)
	}
	return typed
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	_, err := rig.registry.Execute(context.Background(), Caller{}, "change.destroy", nil)
	if !api.IsCode(err, api.CodeUnknownTool) {
		t.Fatalf("err = %v, want %s", err, api.CodeUnknownTool)
	}
}

func TestExecuteAggregatesValidationErrors(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	raw := []byte(`{"slug":"","ttl_seconds":9999999}`)
	_, err := rig.registry.Execute(context.Background(), Caller{}, ToolChangeOpen, raw)
	var failure api.Failure
	if !errors.As(err, &failure) || failure.Code != api.CodeValidation {
		t.Fatalf("err = %v, want %s", err, api.CodeValidation)
	}
	if len(failure.Fields) < 2 {
		t.Fatalf("got %d field violations, want every violated field: %+v", len(failure.Fields), failure.Fields)
	}
}

func TestExecuteRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	_, err := rig.registry.Execute(context.Background(), Caller{}, ToolChangeOpen, []byte(`{"slug":"add-login","frobnicate":true}`))
	if !api.IsCode(err, api.CodeValidation) {
		t.Fatalf("err = %v, want %s", err, api.CodeValidation)
	}
}

func TestOpenLeavesLockHeldForTTL(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	caller := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}, SessionID: "sess-1"}

	result := execute[api.OpenResult](t, rig, caller, ToolChangeOpen, OpenInput{Slug: "add-login", Title: "Add login", TTLSeconds: 60})
	if result.Status != api.StatusDraft {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.ResourceHandles) != 3 {
		t.Fatalf("got %d handles, want proposal/tasks/delta", len(result.ResourceHandles))
	}
	doc, err := rig.locks.Inspect(context.Background(), "add-login")
	if err != nil {
		t.Fatalf("lock missing after open: %v", err)
	}
	if doc.Owner != "casey" {
		t.Fatalf("lock owner = %s, want caller", doc.Owner)
	}
	if result.LockExpiresAt != doc.ExpiresAt().Unix() {
		t.Fatalf("reported expiry %d, lock expires %d", result.LockExpiresAt, doc.ExpiresAt().Unix())
	}
}

func TestOpenAfterTTLExpiryReclaims(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	ctx := context.Background()
	first := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}, SessionID: "sess-1"}
	second := Caller{Identity: authz.Identity{ID: "robin", Authenticated: true}, SessionID: "sess-2"}

	execute[api.OpenResult](t, rig, first, ToolChangeOpen, OpenInput{Slug: "add-login", TTLSeconds: 60})

	// While the 60s lock is live, another session is turned away.
	raw, _ := json.Marshal(OpenInput{Slug: "add-login"})
	if _, err := rig.registry.Execute(ctx, second, ToolChangeOpen, raw); !api.IsCode(err, api.CodeOwnerRequired) {
		t.Fatalf("err before expiry = %v, want %s", err, api.CodeOwnerRequired)
	}

	// One second past the TTL the lock is stale and the second session
	// takes it over through the expiry rule.
	rig.manual.Advance(61 * time.Second)
	result := execute[api.OpenResult](t, rig, second, ToolChangeOpen, OpenInput{Slug: "add-login"})
	if result.LockExpiresAt == 0 {
		t.Fatalf("reclaimed open missing lock expiry")
	}
	doc, err := rig.locks.Inspect(ctx, "add-login")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if doc.Owner != "robin" {
		t.Fatalf("lock owner = %s, want reclaiming session", doc.Owner)
	}
	if doc.Metadata.ReclaimedReason != api.ReasonLockExpired {
		t.Fatalf("reclaim reason = %s, want %s", doc.Metadata.ReclaimedReason, api.ReasonLockExpired)
	}
}

func TestOpenIsIdempotentAcrossCalls(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	caller := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}}

	first := execute[api.OpenResult](t, rig, caller, ToolChangeOpen, OpenInput{Slug: "add-login", Title: "Add login"})
	second := execute[api.OpenResult](t, rig, caller, ToolChangeOpen, OpenInput{Slug: "add-login", Title: "Renamed"})
	if first.Paths != second.Paths {
		t.Fatalf("paths diverged across idempotent opens:\n%+v\n%+v", first.Paths, second.Paths)
	}
	if len(first.ResourceHandles) != len(second.ResourceHandles) {
		t.Fatalf("handles diverged")
	}
	for i := range first.ResourceHandles {
		if first.ResourceHandles[i] != second.ResourceHandles[i] {
			t.Fatalf("handle %d diverged: %+v vs %+v", i, first.ResourceHandles[i], second.ResourceHandles[i])
		}
	}
}

func TestOpenHoldSessionKeepsLockAndRefreshes(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	caller := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}, SessionID: "sess-1"}

	result := execute[api.OpenResult](t, rig, caller, ToolChangeOpen, OpenInput{Slug: "add-login", TTLSeconds: 100, HoldSession: true})
	if result.LockExpiresAt == 0 {
		t.Fatalf("held session missing lock expiry")
	}
	doc, err := rig.locks.Inspect(context.Background(), "add-login")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	since := doc.Since

	// At three quarters of the TTL the session refresher extends the lock.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rig.manual.Advance(time.Second)
		doc, err = rig.locks.Inspect(context.Background(), "add-login")
		if err == nil && doc.Since.After(since) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock never refreshed; since still %v", since)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenConflictSurfacesLockHeld(t *testing.T) {
	t.Parallel()
	pol := policy.Default()
	pol.Admins = []string{"root-admin"}
	rig := newTestRig(t, pol)
	ctx := context.Background()

	if _, err := rig.locks.Acquire(ctx, "add-login", "alice", 3600, lockfile.AcquireOptions{
		Metadata: api.LockMetadata{UserIdentity: "alice", Environment: api.EnvironmentLocal, Purpose: api.PurposeInteractive},
	}); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	// An admin passes authorization but the unforced acquire still defers to
	// the holder.
	raw, _ := json.Marshal(OpenInput{Slug: "add-login"})
	_, err := rig.registry.Execute(ctx, Caller{Identity: authz.Identity{ID: "root-admin", Authenticated: true}}, ToolChangeOpen, raw)
	var failure api.Failure
	if !errors.As(err, &failure) || failure.Code != api.CodeLockHeld {
		t.Fatalf("err = %v, want %s", err, api.CodeLockHeld)
	}
	if failure.Hint == "" || failure.RetryAfter <= 0 {
		t.Fatalf("conflict lacks hint/retry guidance: %+v", failure)
	}

	// A non-owner without admin standing is denied before any lock attempt.
	_, err = rig.registry.Execute(ctx, Caller{Identity: authz.Identity{ID: "mallory", Authenticated: true}}, ToolChangeOpen, raw)
	if !api.IsCode(err, api.CodeOwnerRequired) {
		t.Fatalf("err = %v, want %s", err, api.CodeOwnerRequired)
	}
}

func TestArchiveIsOneWayAndIdempotent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	caller := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}}

	execute[api.OpenResult](t, rig, caller, ToolChangeOpen, OpenInput{Slug: "add-login"})
	first := execute[api.ArchiveResult](t, rig, caller, ToolChangeArchive, ArchiveInput{Slug: "add-login"})
	if !first.Archived || first.AlreadyArchived {
		t.Fatalf("first archive = %+v", first)
	}
	if first.Receipt == "" {
		t.Fatalf("first archive missing receipt")
	}
	second := execute[api.ArchiveResult](t, rig, caller, ToolChangeArchive, ArchiveInput{Slug: "add-login"})
	if !second.Archived || !second.AlreadyArchived {
		t.Fatalf("second archive = %+v", second)
	}
	if _, err := rig.locks.Inspect(context.Background(), "add-login"); !api.IsCode(err, api.CodeNotFound) {
		t.Fatalf("lock still present after archive: %v", err)
	}

	raw, _ := json.Marshal(OpenInput{Slug: "add-login"})
	_, err := rig.registry.Execute(context.Background(), caller, ToolChangeOpen, raw)
	if !api.IsCode(err, api.CodeArchivedConflict) {
		t.Fatalf("reopen err = %v, want %s", err, api.CodeArchivedConflict)
	}
}

func TestFailedMutationLeavesLockHeld(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, policy.Default())
	caller := Caller{Identity: authz.Identity{ID: "casey", Authenticated: true}}

	// Archiving a change that was never opened fails after the lock is
	// taken; the lock stays held so a retry needs no reclaim.
	raw, _ := json.Marshal(ArchiveInput{Slug: "never-opened"})
	_, err := rig.registry.Execute(context.Background(), caller, ToolChangeArchive, raw)
	if !api.IsCode(err, api.CodeNotFound) {
		t.Fatalf("err = %v, want %s", err, api.CodeNotFound)
	}
	doc, inspectErr := rig.locks.Inspect(context.Background(), "never-opened")
	if inspectErr != nil {
		t.Fatalf("Inspect: %v", inspectErr)
	}
	if doc.Owner != "casey" {
		t.Fatalf("lock owner = %s, want caller", doc.Owner)
	}
}
