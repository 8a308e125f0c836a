package tools

import (
	"context"
	"errors"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/lockfile"
)

// OpenInput is the declared schema of change.open.
type OpenInput struct {
	Slug        string `json:"slug" validate:"required,min=3,max=64"`
	Title       string `json:"title,omitempty" validate:"max=200"`
	Rationale   string `json:"rationale,omitempty" validate:"max=2000"`
	Owner       string `json:"owner,omitempty" validate:"max=256"`
	Template    string `json:"template,omitempty" validate:"max=64"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
	HoldSession bool   `json:"hold_session,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// ArchiveInput is the declared schema of change.archive.
type ArchiveInput struct {
	Slug  string `json:"slug" validate:"required,min=3,max=64"`
	Owner string `json:"owner,omitempty" validate:"max=256"`
	Force bool   `json:"force,omitempty"`
}

func (r *Registry) runOpen(ctx context.Context, caller Caller, input *OpenInput) (any, error) {
	if err := changes.ValidateSlug(input.Slug); err != nil {
		return nil, err
	}
	if err := r.authorizeWrite(ctx, caller, input.Slug, input.Force); err != nil {
		return nil, err
	}

	owner := r.ownerFor(caller, input.Owner)
	purpose := api.PurposeInteractive
	if r.host.Environment == api.EnvironmentCI {
		purpose = api.PurposeAutomated
	}
	ttl := r.ttlFor(input.TTLSeconds, purpose)
	lock, err := r.locks.Acquire(ctx, input.Slug, owner, ttl, lockfile.AcquireOptions{
		Metadata: r.metadataFor(caller, purpose),
		Force:    input.Force,
	})
	if err != nil {
		return nil, lockFailure(err)
	}

	change, created, err := r.store.Open(ctx, changes.OpenCommand{
		Slug:      input.Slug,
		Title:     input.Title,
		Rationale: input.Rationale,
		Template:  input.Template,
	})
	if err != nil {
		// The lock stays held; an unchanged retry resumes as the same owner.
		return nil, executionFailure(input.Slug, ttl, err)
	}

	// The lock stays held for its TTL; release happens through archive,
	// expiry, or an audited reclaim. hold_session only adds auto-refresh.
	result := api.OpenResult{
		Slug:            change.Slug,
		Status:          change.Status,
		Paths:           change.Paths,
		ResourceHandles: r.provider.Handles(change.Slug),
		LockExpiresAt:   lock.ExpiresAt().Unix(),
	}
	if input.HoldSession {
		r.sessions.start(input.Slug, owner, ttl)
	}
	r.logger.Info("tool.open", "slug", input.Slug, "created", created, "owner", owner, "hold_session", input.HoldSession)
	return result, nil
}

func (r *Registry) runArchive(ctx context.Context, caller Caller, input *ArchiveInput) (any, error) {
	if err := changes.ValidateSlug(input.Slug); err != nil {
		return nil, err
	}
	if err := r.authorizeWrite(ctx, caller, input.Slug, input.Force); err != nil {
		return nil, err
	}

	owner := r.ownerFor(caller, input.Owner)
	ttl := r.ttlFor(0, api.PurposeInteractive)
	if _, err := r.locks.Acquire(ctx, input.Slug, owner, ttl, lockfile.AcquireOptions{
		Metadata: r.metadataFor(caller, api.PurposeInteractive),
		Force:    input.Force,
	}); err != nil {
		return nil, lockFailure(err)
	}

	change, already, receipt, err := r.store.Archive(ctx, input.Slug)
	if err != nil {
		return nil, executionFailure(input.Slug, ttl, err)
	}

	// The transition is complete; the session (if any) ends and the lock is
	// released so the archived slug holds no ownership.
	r.sessions.stop(input.Slug)
	if releaseErr := r.locks.Release(ctx, input.Slug, owner); releaseErr != nil {
		r.logger.Warn("tool.archive.release", "slug", input.Slug, "error", releaseErr)
	}
	r.logger.Info("tool.archive", "slug", change.Slug, "already_archived", already)
	return api.ArchiveResult{
		Slug:            change.Slug,
		Archived:        true,
		AlreadyArchived: already,
		Receipt:         receipt,
	}, nil
}

// authorizeWrite gates the mutation on current ownership. An expired lock
// counts as unclaimed; a forced call defers to the lock manager's reclaim
// rules, which are stricter and audited.
func (r *Registry) authorizeWrite(ctx context.Context, caller Caller, slug string, force bool) error {
	ownership, err := r.ownership(ctx, slug)
	if err != nil {
		return err
	}
	decision := r.authz.CheckAccess(caller.Identity, slug, authz.ActionWrite, ownership)
	if decision.Allowed || force {
		return nil
	}
	return decision.Failure(slug)
}

func (r *Registry) ownership(ctx context.Context, slug string) (*authz.Ownership, error) {
	doc, err := r.locks.Inspect(ctx, slug)
	if err != nil {
		if api.IsCode(err, api.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if doc.ExpiredAt(r.clock.Now()) {
		return nil, nil
	}
	return authz.OwnershipFromLock(doc), nil
}

// lockFailure renders acquire errors, unwrapping lock conflicts into their
// caller-facing form with the wait/force hint.
func lockFailure(err error) error {
	var conflict *lockfile.ConflictError
	if errors.As(err, &conflict) {
		return conflict.Failure()
	}
	return err
}
