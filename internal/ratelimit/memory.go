package ratelimit

import (
	"context"
	"sync"
	"time"

	"billingrelay/internal/core"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is an in-process fixed-window store. Counters are per process,
// so it is only suitable for single-instance deployments and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// IncrementAndCheck implements core.RateLimitStore.
func (s *MemoryStore) IncrementAndCheck(_ context.Context, key string, limit int, d time.Duration) (core.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.windows[key] = w
	}
	w.count++

	s.evictExpired(now)
	return windowResult(w.count, limit, w.resetAt), nil
}

// evictExpired drops finished windows once the map grows, keeping memory
// bounded by the number of active clients.
func (s *MemoryStore) evictExpired(now time.Time) {
	if len(s.windows) < 1024 {
		return
	}
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}
