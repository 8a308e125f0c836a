package api

import "time"

// ChangeStatus enumerates the lifecycle states of a change workspace.
type ChangeStatus string

const (
	// StatusDraft marks a change that is open for mutation.
	StatusDraft ChangeStatus = "draft"
	// StatusArchived marks a change that has completed its one-way archive transition.
	StatusArchived ChangeStatus = "archived"
)

// Environment classifies where a lock owner runs. Reclaim precedence compares
// environments by configured rank.
type Environment string

const (
	// EnvironmentLocal is an interactive developer machine.
	EnvironmentLocal Environment = "local"
	// EnvironmentCI is a continuous-integration runner.
	EnvironmentCI Environment = "ci"
	// EnvironmentCloud is a hosted remote session.
	EnvironmentCloud Environment = "cloud"
	// EnvironmentContainer is an ephemeral container sandbox.
	EnvironmentContainer Environment = "container"
)

// Purpose records why a lock was taken.
type Purpose string

const (
	// PurposeInteractive marks a human-driven session.
	PurposeInteractive Purpose = "interactive"
	// PurposeAutomated marks an unattended job.
	PurposeAutomated Purpose = "automated"
	// PurposeEmergency marks an operator override; it unlocks the emergency
	// reclaim rule only when the server explicitly enables it.
	PurposeEmergency Purpose = "emergency"
)

// ChangePaths carries the deterministic artifact paths derived from a slug.
type ChangePaths struct {
	// Root is the change workspace directory.
	Root string `json:"root"`
	// Proposal is the proposal artifact path.
	Proposal string `json:"proposal"`
	// Tasks is the task list artifact path.
	Tasks string `json:"tasks"`
	// Delta is the delta artifact path.
	Delta string `json:"delta"`
}

// Change describes one slug-identified unit of work.
type Change struct {
	// Slug is the immutable workspace identifier.
	Slug string `json:"slug"`
	// Title is the human-readable change title.
	Title string `json:"title"`
	// Rationale records why the change was opened.
	Rationale string `json:"rationale,omitempty"`
	// Status is the current lifecycle state.
	Status ChangeStatus `json:"status"`
	// CreatedAt is the creation time in UTC.
	CreatedAt time.Time `json:"created_at"`
	// Paths are the artifact paths derived from Slug.
	Paths ChangePaths `json:"paths"`
}

// ChangeSummary is the listing row for a change; content stays behind handles.
type ChangeSummary struct {
	// Slug is the workspace identifier.
	Slug string `json:"slug"`
	// Title is the change title.
	Title string `json:"title"`
	// Status is the lifecycle state.
	Status ChangeStatus `json:"status"`
	// CreatedAt is the creation time in UTC.
	CreatedAt time.Time `json:"created_at"`
	// ModifiedAt is the last-modified time used for listing order.
	ModifiedAt time.Time `json:"modified_at"`
}

// ResourceHandle is a caller-facing reference to an artifact or collection.
// Handles never inline content; a separate read fetches bytes on demand.
type ResourceHandle struct {
	// URI is the protocol-level resource identifier.
	URI string `json:"uri"`
	// Path is the filesystem location backing the resource.
	Path string `json:"path"`
}

// LockMetadata describes the owner of a lock beyond its opaque owner string.
type LockMetadata struct {
	// Hostname is the machine the owner runs on.
	Hostname string `json:"hostname,omitempty"`
	// ProcessID is the owner's operating-system process id.
	ProcessID int `json:"process_id,omitempty"`
	// UserIdentity is the owner's resolved user identity.
	UserIdentity string `json:"user_identity,omitempty"`
	// SessionID ties the lock to a protocol session for reconnect support.
	SessionID string `json:"session_id,omitempty"`
	// Environment classifies the owner's runtime environment.
	Environment Environment `json:"environment,omitempty"`
	// Purpose records why the lock was taken.
	Purpose Purpose `json:"purpose,omitempty"`
	// ReclaimedFrom records the displaced owner; set only by the reclaim path.
	ReclaimedFrom string `json:"reclaimed_from,omitempty"`
	// ReclaimedReason records the reclaim reason code; set only by the reclaim path.
	ReclaimedReason string `json:"reclaimed_reason,omitempty"`
}

// LockDocument is the persisted lock file content. The file's existence plus
// this content is the sole source of truth for exclusivity; there is no
// shared in-memory lock table.
type LockDocument struct {
	// LockID uniquely identifies this acquisition.
	LockID string `json:"lock_id"`
	// Resource is the locked resource key.
	Resource string `json:"resource"`
	// Owner is the opaque owner identity string.
	Owner string `json:"owner"`
	// Since is the acquisition (or last refresh) time in UTC.
	Since time.Time `json:"since"`
	// TTLSeconds bounds how long the lock stays valid without a refresh.
	TTLSeconds int64 `json:"ttl_seconds"`
	// Metadata describes the owner.
	Metadata LockMetadata `json:"metadata,omitempty"`
}

// ExpiresAt returns the instant the lock becomes stale.
func (d LockDocument) ExpiresAt() time.Time {
	return d.Since.Add(time.Duration(d.TTLSeconds) * time.Second)
}

// ExpiredAt reports whether the lock is stale at now. A lock is stale
// strictly after Since+TTL, never at the boundary instant itself.
func (d LockDocument) ExpiredAt(now time.Time) bool {
	return now.After(d.ExpiresAt())
}

// ReclaimDecision is the outcome of evaluating a reclaim candidate against an
// existing lock.
type ReclaimDecision struct {
	// Allowed reports whether the candidate may displace the existing lock.
	Allowed bool `json:"allowed"`
	// Reason is the machine-readable decision code.
	Reason string `json:"reason"`
	// RequiresConfirmation marks decisions that need explicit caller confirmation.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
}

// Reclaim decision reason codes, in evaluation order. Expiry is an objective
// fact and ranks first; privilege comparisons are policy and rank after the
// identity-based rules.
const (
	ReasonLockExpired       = "lock_expired"
	ReasonSameSession       = "same_session"
	ReasonSameUser          = "same_user"
	ReasonHigherPrivilege   = "higher_privilege"
	ReasonEmergencyOverride = "emergency_override"
	ReasonAdminOverride     = "admin_override"
	ReasonLockHeld          = "lock_held"
)

// Access decision reason codes returned by the authorization engine.
const (
	ReasonPublic        = "public"
	ReasonAuthenticated = "authenticated"
	ReasonUnclaimed     = "unclaimed"
	ReasonOwner         = "owner"
	ReasonAdmin         = "admin"
	ReasonOwnerRequired = "owner_required"
)

// OpenResult is returned by the change.open tool.
type OpenResult struct {
	// Slug is the opened change's identifier.
	Slug string `json:"slug"`
	// Status is the change's lifecycle state after the call.
	Status ChangeStatus `json:"status"`
	// Paths are the artifact paths for the change.
	Paths ChangePaths `json:"paths"`
	// ResourceHandles reference the change's readable artifacts.
	ResourceHandles []ResourceHandle `json:"resource_handles"`
	// LockExpiresAt is the held lock's expiry as a Unix timestamp in seconds.
	LockExpiresAt int64 `json:"lock_expires_at_unix,omitempty"`
}

// ArchiveResult is returned by the change.archive tool.
type ArchiveResult struct {
	// Slug is the archived change's identifier.
	Slug string `json:"slug"`
	// Archived is always true on success; the transition is one-way.
	Archived bool `json:"archived"`
	// AlreadyArchived marks idempotent re-archive calls.
	AlreadyArchived bool `json:"already_archived,omitempty"`
	// Receipt is the path of the receipt artifact written on first archive.
	Receipt string `json:"receipt,omitempty"`
}

// ListResult is one page of the active-changes collection.
type ListResult struct {
	// Items are the changes on this page in stable listing order.
	Items []ChangeSummary `json:"items"`
	// NextCursor resumes the listing; empty when no items remain.
	NextCursor string `json:"next_cursor,omitempty"`
}
