// Package authz is the access decision engine. It is a pure function over
// the caller's identity and an ownership record the caller supplies; it
// performs no I/O of its own, which is what keeps it trivially testable.
package authz

import (
	"strings"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/policy"
)

// Action is the kind of access being checked.
type Action string

const (
	// ActionRead covers listings and artifact reads.
	ActionRead Action = "read"
	// ActionWrite covers tool-driven mutations.
	ActionWrite Action = "write"
)

// Identity describes the caller.
type Identity struct {
	// ID is the caller's primary identity string.
	ID string
	// Username is the local username, when known.
	Username string
	// Email is the caller's email, when known.
	Email string
	// SessionID is the protocol session identity.
	SessionID string
	// Authenticated reports whether the transport established any identity.
	Authenticated bool
}

// Ownership is the derived view of a lock (or a synthetic collection default)
// used purely for decisions. Read-only here.
type Ownership struct {
	// OwnerID is the recorded owner identity.
	OwnerID string
	// OwnerUsername is the owner's local username, when recorded.
	OwnerUsername string
	// SessionID is the owning session, when recorded.
	SessionID string
	// PublicRead marks the resource readable by anyone.
	PublicRead bool
	// PublicWrite marks the resource writable by anyone.
	PublicWrite bool
	// Collection marks a collection-level resource with no single owner.
	Collection bool
}

// CollectionOwnership is the synthetic record for collection-level resources:
// readable by anyone, writable by any authenticated identity.
func CollectionOwnership() *Ownership {
	return &Ownership{PublicRead: true, Collection: true}
}

// OwnershipFromLock derives the decision view from a lock document.
func OwnershipFromLock(doc *api.LockDocument) *Ownership {
	if doc == nil {
		return nil
	}
	return &Ownership{
		OwnerID:       doc.Owner,
		OwnerUsername: doc.Metadata.UserIdentity,
		SessionID:     doc.Metadata.SessionID,
	}
}

// Decision is the outcome of an access check.
type Decision struct {
	// Allowed reports whether access is granted.
	Allowed bool
	// Reason is the machine-readable decision code.
	Reason string
}

// Engine evaluates access decisions against the read-only policy.
type Engine struct {
	policy policy.Config
}

// New constructs an Engine.
func New(pol policy.Config) *Engine {
	return &Engine{policy: pol}
}

// CheckAccess runs the ordered decision ladder. ownership may be nil, which
// means the resource is unclaimed.
func (e *Engine) CheckAccess(identity Identity, resourceKey string, action Action, ownership *Ownership) Decision {
	if ownership != nil {
		if (action == ActionRead && ownership.PublicRead) || (action == ActionWrite && ownership.PublicWrite) {
			return Decision{Allowed: true, Reason: api.ReasonPublic}
		}
		if action == ActionWrite && ownership.Collection && identity.Authenticated {
			return Decision{Allowed: true, Reason: api.ReasonAuthenticated}
		}
	}
	if ownership == nil {
		return Decision{Allowed: true, Reason: api.ReasonUnclaimed}
	}
	if isOwner(identity, ownership) {
		return Decision{Allowed: true, Reason: api.ReasonOwner}
	}
	if e.policy.IsAdmin(identity.ID) || e.policy.IsAdmin(identity.Username) {
		return Decision{Allowed: true, Reason: api.ReasonAdmin}
	}
	return Decision{Allowed: false, Reason: api.ReasonOwnerRequired}
}

// Failure renders a denied decision as a transport-neutral Failure.
func (d Decision) Failure(resourceKey string) api.Failure {
	return api.Failure{
		Code:       api.CodeOwnerRequired,
		Detail:     "access to " + resourceKey + " requires ownership",
		Hint:       "act as the lock owner, an administrator, or wait for the lock to expire",
		HTTPStatus: 403,
	}
}

func isOwner(identity Identity, ownership *Ownership) bool {
	if ownership.OwnerID != "" && identity.ID == ownership.OwnerID {
		return true
	}
	if ownership.OwnerUsername != "" && identity.Username != "" && identity.Username == ownership.OwnerUsername {
		return true
	}
	if ownership.SessionID != "" && identity.SessionID != "" && identity.SessionID == ownership.SessionID {
		return true
	}
	return false
}

// IsTeamMember reports whether identity belongs to teamList. Entries match
// the identity ID, username, full email, or a bare e-mail domain. An empty
// team list is never an implicit allow.
func IsTeamMember(identity Identity, teamList []string) bool {
	if len(teamList) == 0 {
		return false
	}
	domain := ""
	if at := strings.LastIndexByte(identity.Email, '@'); at >= 0 {
		domain = identity.Email[at+1:]
	}
	for _, member := range teamList {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		if member == identity.ID || member == identity.Username || member == identity.Email {
			return true
		}
		if domain != "" && strings.EqualFold(member, domain) {
			return true
		}
	}
	return false
}
