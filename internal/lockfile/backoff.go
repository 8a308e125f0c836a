package lockfile

import "time"

const (
	acquireBackoffStart      = 50 * time.Millisecond
	acquireBackoffMin        = 25 * time.Millisecond
	acquireBackoffMax        = 2 * time.Second
	acquireBackoffMultiplier = 1.5
	acquireBackoffJitter     = 10 * time.Millisecond

	// Relaxed-consistency mounts need a larger floor so verify-after-write
	// races settle before the next attempt.
	netfsBackoffStart = 250 * time.Millisecond
	netfsBackoffMin   = 200 * time.Millisecond

	maxBenignRaceRetries = 3
)

type acquireBackoff struct {
	next time.Duration
	min  time.Duration
	max  time.Duration
}

func (m *Manager) newBackoff() *acquireBackoff {
	if m.policy.NetworkFilesystem {
		return &acquireBackoff{next: netfsBackoffStart, min: netfsBackoffMin, max: acquireBackoffMax}
	}
	return &acquireBackoff{next: acquireBackoffStart, min: acquireBackoffMin, max: acquireBackoffMax}
}

// Next returns the current sleep and advances the schedule. A positive limit
// caps the returned sleep without disturbing the progression.
func (b *acquireBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next)*acquireBackoffMultiplier + float64(acquireBackoffJitter))
	if b.next > b.max {
		b.next = b.max
	}
	if b.next < b.min {
		b.next = b.min
	}
	return sleep
}
