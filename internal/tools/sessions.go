package tools

import (
	"context"
	"sync"
	"time"
)

// refreshSessions keeps held-session locks alive by refreshing at three
// quarters of the TTL. A refresh failure ends the session; the caller finds
// out on its next operation and goes through re-acquire.
type refreshSessions struct {
	registry *Registry
	mu       sync.Mutex
	active   map[string]chan struct{}
}

func newRefreshSessions(r *Registry) *refreshSessions {
	return &refreshSessions{registry: r, active: map[string]chan struct{}{}}
}

func (s *refreshSessions) start(slug, owner string, ttlSeconds int64) {
	s.mu.Lock()
	if stop, ok := s.active[slug]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.active[slug] = stop
	s.mu.Unlock()

	interval := time.Duration(ttlSeconds) * time.Second * 3 / 4
	go s.run(slug, owner, ttlSeconds, interval, stop)
}

func (s *refreshSessions) run(slug, owner string, ttlSeconds int64, interval time.Duration, stop chan struct{}) {
	logger := s.registry.logger
	for {
		select {
		case <-stop:
			return
		case <-s.registry.clock.After(interval):
		}
		if _, err := s.registry.locks.Refresh(context.Background(), slug, owner, ttlSeconds); err != nil {
			logger.Warn("tool.session.refresh", "slug", slug, "owner", owner, "error", err)
			s.drop(slug, stop)
			return
		}
		logger.Debug("tool.session.refresh", "slug", slug, "owner", owner)
	}
}

// drop removes the map entry without closing, used by a goroutine that is
// exiting on its own; the entry may already have been replaced.
func (s *refreshSessions) drop(slug string, stop chan struct{}) {
	s.mu.Lock()
	if current, ok := s.active[slug]; ok && current == stop {
		delete(s.active, slug)
	}
	s.mu.Unlock()
}

func (s *refreshSessions) stop(slug string) {
	s.mu.Lock()
	if stopCh, ok := s.active[slug]; ok {
		close(stopCh)
		delete(s.active, slug)
	}
	s.mu.Unlock()
}

func (s *refreshSessions) stopAll() {
	s.mu.Lock()
	for slug, stopCh := range s.active {
		close(stopCh)
		delete(s.active, slug)
	}
	s.mu.Unlock()
}
