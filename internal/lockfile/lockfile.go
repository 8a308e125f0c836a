// Package lockfile implements the advisory per-change lock manager. The lock
// file itself is the mutual-exclusion primitive: acquisition writes a
// candidate document to a temporary file and promotes it with an atomic
// create-exclusive link, so correctness holds across independent processes
// sharing the directory. Stale locks are taken over through a ranked reclaim
// policy, and every transition lands in an append-only audit log.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/correlation"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/svcfields"
)

const (
	lockFileSuffix   = ".json"
	maxOwnerLength   = 256
	maxMetadataBytes = 4096
)

// Options configures a Manager.
type Options struct {
	// Dir is the reserved lock directory.
	Dir string
	// Policy is the read-only environment policy.
	Policy policy.Config
	// Clock supplies time; defaults to the real clock.
	Clock clock.Clock
	// Logger receives structured lock events.
	Logger pslog.Logger
}

// Manager coordinates lock files under one directory.
type Manager struct {
	dir       string
	policy    policy.Config
	clock     clock.Clock
	logger    pslog.Logger
	audit     *AuditLog
	emergency *rateWindow
	metrics   *lockMetrics
}

// New initialises a Manager rooted at opts.Dir, creating the directory and
// the audit log sibling when absent.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("lockfile: dir required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create dir: %w", err)
	}
	audit, err := OpenAuditLog(filepath.Join(dir, "audit.log"))
	if err != nil {
		return nil, err
	}
	logger := svcfields.WithSubsystem(opts.Logger, "lock")
	perHour := opts.Policy.EmergencyOverridePerHour
	if perHour <= 0 {
		perHour = 3
	}
	return &Manager{
		dir:       dir,
		policy:    opts.Policy,
		clock:     opts.Clock,
		logger:    logger,
		audit:     audit,
		emergency: newRateWindow(perHour, time.Hour),
		metrics:   newLockMetrics(logger),
	}, nil
}

// Close releases the audit log handle.
func (m *Manager) Close() error {
	return m.audit.Close()
}

// Dir returns the lock directory.
func (m *Manager) Dir() string {
	return m.dir
}

// AcquireOptions tune a single acquire attempt.
type AcquireOptions struct {
	// Metadata describes the candidate owner.
	Metadata api.LockMetadata
	// Force confirms reclaim decisions that require confirmation.
	Force bool
	// WaitTimeout bounds how long a contended acquire retries with backoff.
	// Zero means fail immediately on conflict.
	WaitTimeout time.Duration
}

// ConflictError reports a denied or unconfirmed acquire, carrying the
// existing lock for caller-facing messaging.
type ConflictError struct {
	Existing api.LockDocument
	Decision api.ReclaimDecision
	Now      time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock held by %s (reason %s)", e.Existing.Owner, e.Decision.Reason)
}

// Failure renders the conflict as a transport-neutral Failure with a human
// hint covering lock age, time to expiry, and the force escape hatch.
func (e *ConflictError) Failure() api.Failure {
	hint := LockHeldHint(e.Existing, e.Now)
	if e.Decision.Allowed && e.Decision.RequiresConfirmation {
		hint = fmt.Sprintf("%s; reclaim as %s allowed with force", hint, e.Decision.Reason)
	}
	retryAfter := int64(e.Existing.ExpiresAt().Sub(e.Now) / time.Second)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return api.Failure{
		Code:       api.CodeLockHeld,
		Detail:     fmt.Sprintf("resource %s is locked by %s", e.Existing.Resource, e.Existing.Owner),
		Hint:       hint,
		RetryAfter: retryAfter,
		HTTPStatus: 409,
	}
}

// Acquire obtains the lock for resource on behalf of owner. On a collision it
// evaluates the reclaim policy; conflicts come back as *ConflictError so the
// caller must handle that path explicitly.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttlSeconds int64, opts AcquireOptions) (*api.LockDocument, error) {
	if err := validateResource(resource); err != nil {
		return nil, err
	}
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if !policy.ValidTTL(ttlSeconds) {
		return nil, api.Failure{
			Code:       api.CodeInvalidTTL,
			Detail:     fmt.Sprintf("ttl %d outside bounds %d..%d", ttlSeconds, policy.MinTTLSeconds, policy.MaxTTLSeconds),
			HTTPStatus: 400,
		}
	}
	if err := validateMetadata(opts.Metadata); err != nil {
		return nil, err
	}

	logger := m.requestLogger(ctx)
	logger.Debug("lock.acquire.begin",
		"resource", resource,
		"owner", owner,
		"ttl_seconds", ttlSeconds,
		"force", opts.Force,
	)

	var deadline time.Time
	if opts.WaitTimeout > 0 {
		deadline = m.clock.Now().Add(opts.WaitTimeout)
	}
	backoff := m.newBackoff()
	raceRetries := 0

	for {
		doc := api.LockDocument{
			LockID:     uuid.NewString(),
			Resource:   resource,
			Owner:      owner,
			Since:      m.clock.Now(),
			TTLSeconds: ttlSeconds,
			Metadata:   opts.Metadata,
		}
		acquired, conflict, err := m.tryAcquire(ctx, doc, opts.Force)
		if err != nil {
			return nil, err
		}
		if acquired != nil {
			m.metrics.acquired(ctx, acquired.Metadata.ReclaimedReason)
			logger.Info("lock.acquire.success",
				"resource", resource,
				"owner", owner,
				"lock_id", acquired.LockID,
				"reclaimed_from", acquired.Metadata.ReclaimedFrom,
			)
			return acquired, nil
		}

		// A conflict with no recorded holder means the lock vanished between
		// the failed link and our read. That benign race always gets a few
		// backed-off retries, independent of the caller's wait budget.
		if conflict.Existing.Owner == "" && raceRetries < maxBenignRaceRetries {
			raceRetries++
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clock.After(backoff.Next(0)):
			}
			continue
		}

		// Held by someone else. Retry only inside the caller's wait budget.
		m.metrics.conflicted(ctx)
		now := m.clock.Now()
		if deadline.IsZero() || !now.Before(deadline) {
			logger.Info("lock.acquire.conflict",
				"resource", resource,
				"owner", owner,
				"holder", conflict.Existing.Owner,
				"reason", conflict.Decision.Reason,
			)
			return nil, conflict
		}
		sleep := backoff.Next(deadline.Sub(now))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(sleep):
		}
	}
}

// tryAcquire performs one pass of the acquisition algorithm. It returns the
// winning document, a conflict, or a terminal error.
func (m *Manager) tryAcquire(ctx context.Context, doc api.LockDocument, force bool) (*api.LockDocument, *ConflictError, error) {
	canonical := m.lockPath(doc.Resource)
	tmp, err := m.writeTemp(doc)
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(tmp)

	linkErr := os.Link(tmp, canonical)
	if linkErr == nil {
		if err := m.verifyWrite(canonical, doc.LockID); err != nil {
			return nil, nil, err
		}
		if err := m.audit.Append(AuditRecord{
			Time:          doc.Since,
			Event:         auditAcquire,
			Resource:      doc.Resource,
			Owner:         doc.Owner,
			LockID:        doc.LockID,
			CorrelationID: correlation.ID(ctx),
		}); err != nil {
			return nil, nil, err
		}
		return &doc, nil, nil
	}
	if !errors.Is(linkErr, fs.ErrExist) {
		return nil, nil, ioFailure("create lock", linkErr)
	}

	existing, err := m.readLock(ctx, doc.Resource)
	if err != nil {
		if api.IsCode(err, api.CodeNotFound) {
			// Holder released between the failed link and our read; the
			// benign-race case the backoff loop exists for.
			return nil, &ConflictError{Decision: api.ReclaimDecision{Reason: api.ReasonLockHeld}, Now: m.clock.Now()}, nil
		}
		return nil, nil, err
	}

	now := m.clock.Now()
	decision := m.EvaluateReclaim(*existing, doc, now)
	if !decision.Allowed || (decision.RequiresConfirmation && !force) {
		// Denied, or allowed but unconfirmed. Neither consumes any override
		// budget; the caller sees the decision and can retry with force.
		return nil, &ConflictError{Existing: *existing, Decision: decision, Now: now}, nil
	}

	reclaimed, err := m.reclaim(ctx, *existing, doc, decision)
	if err != nil {
		return nil, nil, err
	}
	return reclaimed, nil, nil
}

// reclaim force-overwrites the canonical lock via atomic rename, recording
// provenance on the new document and in the audit log.
func (m *Manager) reclaim(ctx context.Context, existing, candidate api.LockDocument, decision api.ReclaimDecision) (*api.LockDocument, error) {
	if decision.Reason == api.ReasonEmergencyOverride {
		if !m.emergency.Take(candidateIdentity(candidate), m.clock.Now()) {
			return nil, api.Failure{
				Code:       api.CodeLockHeld,
				Detail:     "emergency override rate limit exceeded",
				Hint:       "wait for the override budget to replenish or contact an administrator",
				HTTPStatus: 429,
			}
		}
	}
	candidate.Metadata.ReclaimedFrom = existing.Owner
	candidate.Metadata.ReclaimedReason = decision.Reason

	tmp, err := m.writeTemp(candidate)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, m.lockPath(candidate.Resource)); err != nil {
		os.Remove(tmp)
		return nil, ioFailure("reclaim rename", err)
	}
	if err := m.verifyWrite(m.lockPath(candidate.Resource), candidate.LockID); err != nil {
		return nil, err
	}
	if err := m.audit.Append(AuditRecord{
		Time:          m.clock.Now(),
		Event:         auditReclaim,
		Resource:      candidate.Resource,
		PrevOwner:     existing.Owner,
		Owner:         candidate.Owner,
		Reason:        decision.Reason,
		LockID:        candidate.LockID,
		CorrelationID: correlation.ID(ctx),
	}); err != nil {
		return nil, err
	}
	m.metrics.reclaimed(ctx, decision.Reason)
	m.requestLogger(ctx).Warn("lock.reclaim",
		"resource", candidate.Resource,
		"prev_owner", existing.Owner,
		"owner", candidate.Owner,
		"reason", decision.Reason,
	)
	return &candidate, nil
}

// Release removes owner's lock on resource.
func (m *Manager) Release(ctx context.Context, resource, owner string) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	existing, err := m.readLock(ctx, resource)
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return notOwnerFailure(*existing, m.clock.Now())
	}
	if err := os.Remove(m.lockPath(resource)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioFailure("remove lock", err)
	}
	if err := m.audit.Append(AuditRecord{
		Time:          m.clock.Now(),
		Event:         auditRelease,
		Resource:      resource,
		PrevOwner:     owner,
		LockID:        existing.LockID,
		CorrelationID: correlation.ID(ctx),
	}); err != nil {
		return err
	}
	m.metrics.released(ctx)
	m.requestLogger(ctx).Info("lock.release", "resource", resource, "owner", owner)
	return nil
}

// Refresh bumps the lock's Since under the same owner. Refreshing an expired
// lock fails so staleness is never silently healed without going through the
// reclaim path.
func (m *Manager) Refresh(ctx context.Context, resource, owner string, ttlSeconds int64) (*api.LockDocument, error) {
	if err := validateResource(resource); err != nil {
		return nil, err
	}
	if !policy.ValidTTL(ttlSeconds) {
		return nil, api.Failure{
			Code:       api.CodeInvalidTTL,
			Detail:     fmt.Sprintf("ttl %d outside bounds %d..%d", ttlSeconds, policy.MinTTLSeconds, policy.MaxTTLSeconds),
			HTTPStatus: 400,
		}
	}
	existing, err := m.readLock(ctx, resource)
	if err != nil {
		return nil, err
	}
	if existing.Owner != owner {
		return nil, notOwnerFailure(*existing, m.clock.Now())
	}
	now := m.clock.Now()
	if existing.ExpiredAt(now) {
		return nil, api.Failure{
			Code:       api.CodeLockExpired,
			Detail:     fmt.Sprintf("lock on %s expired %s ago", resource, humanDuration(now.Sub(existing.ExpiresAt()))),
			Hint:       "re-acquire the lock; expired locks go through the reclaim path",
			HTTPStatus: 409,
		}
	}

	updated := *existing
	updated.Since = now
	updated.TTLSeconds = ttlSeconds
	tmp, err := m.writeTemp(updated)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, m.lockPath(resource)); err != nil {
		os.Remove(tmp)
		return nil, ioFailure("refresh rename", err)
	}
	if err := m.verifyWrite(m.lockPath(resource), updated.LockID); err != nil {
		return nil, err
	}
	if err := m.audit.Append(AuditRecord{
		Time:          now,
		Event:         auditRefresh,
		Resource:      resource,
		Owner:         owner,
		LockID:        updated.LockID,
		CorrelationID: correlation.ID(ctx),
	}); err != nil {
		return nil, err
	}
	m.metrics.refreshed(ctx)
	m.requestLogger(ctx).Debug("lock.refresh", "resource", resource, "owner", owner, "ttl_seconds", ttlSeconds)
	return &updated, nil
}

// Inspect returns the current lock document for resource without touching it.
// The document is read through from disk on every call; there is no cache to
// desynchronize.
func (m *Manager) Inspect(ctx context.Context, resource string) (*api.LockDocument, error) {
	if err := validateResource(resource); err != nil {
		return nil, err
	}
	return m.readLock(ctx, resource)
}

func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, resource+lockFileSuffix)
}

// writeTemp persists doc to a uniquely-named temporary file in the lock
// directory and returns its path. Same-directory placement keeps the
// follow-up link/rename atomic.
func (m *Manager) writeTemp(doc api.LockDocument) (string, error) {
	tmp, err := os.CreateTemp(m.dir, ".tmp-lock-*")
	if err != nil {
		return "", ioFailure("create temp lock", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", ioFailure("encode lock", err)
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", ioFailure("write temp lock", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", ioFailure("sync temp lock", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", ioFailure("close temp lock", err)
	}
	return tmp.Name(), nil
}

// verifyWrite re-reads the canonical lock in network-filesystem mode and
// confirms the expected document landed. A mismatch means a racing writer on
// a relaxed-consistency mount won.
func (m *Manager) verifyWrite(path, lockID string) error {
	if !m.policy.NetworkFilesystem {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ioFailure("verify lock", err)
	}
	var doc api.LockDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return corruptionFailure(path, err)
	}
	if doc.LockID != lockID {
		return api.Failure{
			Code:       api.CodeLockHeld,
			Detail:     "lock overwritten by a concurrent writer during verify",
			Hint:       "retry the acquire",
			HTTPStatus: 409,
		}
	}
	return nil
}

// readLock loads and decodes the lock document for resource. Malformed
// content is surfaced as corruption and audited, never deleted or healed.
func (m *Manager) readLock(ctx context.Context, resource string) (*api.LockDocument, error) {
	raw, err := os.ReadFile(m.lockPath(resource))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, api.Failure{
				Code:       api.CodeNotFound,
				Detail:     fmt.Sprintf("no lock on %s", resource),
				HTTPStatus: 404,
			}
		}
		return nil, ioFailure("read lock", err)
	}
	var doc api.LockDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		auditErr := m.audit.Append(AuditRecord{
			Time:          m.clock.Now(),
			Event:         auditCorruption,
			Resource:      resource,
			Reason:        err.Error(),
			CorrelationID: correlation.ID(ctx),
		})
		if auditErr != nil {
			m.requestLogger(ctx).Error("lock.audit.append_failed", "resource", resource, "error", auditErr)
		}
		return nil, corruptionFailure(m.lockPath(resource), err)
	}
	return &doc, nil
}

func (m *Manager) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return svcfields.WithSubsystem(logger, "lock")
	}
	return m.logger
}

func candidateIdentity(doc api.LockDocument) string {
	if doc.Metadata.UserIdentity != "" {
		return doc.Metadata.UserIdentity
	}
	return doc.Owner
}

func notOwnerFailure(existing api.LockDocument, now time.Time) api.Failure {
	return api.Failure{
		Code:       api.CodeNotOwner,
		Detail:     fmt.Sprintf("lock on %s is owned by %s", existing.Resource, existing.Owner),
		Hint:       LockHeldHint(existing, now),
		HTTPStatus: 403,
	}
}

func ioFailure(op string, err error) api.Failure {
	return api.Failure{
		Code:       api.CodeIOFailure,
		Detail:     fmt.Sprintf("%s: %v", op, err),
		HTTPStatus: 500,
	}
}

func corruptionFailure(path string, err error) api.Failure {
	return api.Failure{
		Code:       api.CodeCorruption,
		Detail:     fmt.Sprintf("malformed lock file %s: %v", path, err),
		Hint:       "operator intervention required; the resource is unavailable until the lock file is repaired",
		HTTPStatus: 500,
	}
}
