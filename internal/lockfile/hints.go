package lockfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/changed/api"
)

// LockHeldHint renders the caller-facing summary of an existing lock: owner,
// age, and time to expiry. Most lock conflicts are expected, so the hint
// carries everything a caller needs to decide between waiting and forcing.
func LockHeldHint(existing api.LockDocument, now time.Time) string {
	if existing.Owner == "" {
		return "lock contended, retry"
	}
	age := humanDuration(now.Sub(existing.Since))
	if existing.ExpiredAt(now) {
		return fmt.Sprintf("held by %s for %s, already expired; re-acquire to reclaim", existing.Owner, age)
	}
	remaining := humanDuration(existing.ExpiresAt().Sub(now))
	return fmt.Sprintf("held by %s for %s, expires in %s; use force to reclaim", existing.Owner, age, remaining)
}

// humanDuration renders d the way humanize renders relative times, without
// the "ago"/"from now" suffix.
func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "under a second"
	}
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}
