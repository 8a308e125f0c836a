package lockfile

import (
	"sync"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/policy"
)

// EvaluateReclaim runs the ranked reclaim rule table for a candidate against
// the existing lock. Rules are evaluated strictly in order; first match wins.
// Expiry is an objective fact and ranks first, identity rules (reconnect,
// same user) next, and privilege comparisons last because they are policy.
func (m *Manager) EvaluateReclaim(existing, candidate api.LockDocument, now time.Time) api.ReclaimDecision {
	return evaluateReclaim(existing, candidate, now, m.policy, m.emergency.Peek(candidateIdentity(candidate), now))
}

func evaluateReclaim(existing, candidate api.LockDocument, now time.Time, pol policy.Config, emergencyBudget bool) api.ReclaimDecision {
	if existing.ExpiredAt(now) {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonLockExpired}
	}
	if sid := candidate.Metadata.SessionID; sid != "" && sid == existing.Metadata.SessionID {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonSameSession}
	}
	if uid := candidate.Metadata.UserIdentity; uid != "" && uid == existing.Metadata.UserIdentity {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonSameUser}
	}
	if pol.EnvironmentIndex(candidate.Metadata.Environment) < pol.EnvironmentIndex(existing.Metadata.Environment) {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonHigherPrivilege, RequiresConfirmation: true}
	}
	if candidate.Metadata.Purpose == api.PurposeEmergency && pol.EmergencyOverride && emergencyBudget {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonEmergencyOverride, RequiresConfirmation: true}
	}
	if pol.IsAdmin(candidateIdentity(candidate)) {
		return api.ReclaimDecision{Allowed: true, Reason: api.ReasonAdminOverride, RequiresConfirmation: true}
	}
	return api.ReclaimDecision{Reason: api.ReasonLockHeld}
}

// rateWindow is a per-identity sliding-window limiter for emergency
// overrides. It is in-process state; the cross-process record of override use
// is the audit log.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	taken  map[string][]time.Time
}

func newRateWindow(limit int, window time.Duration) *rateWindow {
	return &rateWindow{limit: limit, window: window, taken: make(map[string][]time.Time)}
}

func (w *rateWindow) prune(identity string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	kept := w.taken[identity][:0]
	for _, t := range w.taken[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.taken[identity] = kept
	return kept
}

// Peek reports whether identity still has budget without consuming it.
func (w *rateWindow) Peek(identity string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(identity, now)) < w.limit
}

// Take consumes one unit of budget, reporting false when exhausted.
func (w *rateWindow) Take(identity string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.prune(identity, now)
	if len(kept) >= w.limit {
		return false
	}
	w.taken[identity] = append(kept, now)
	return true
}
