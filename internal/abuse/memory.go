package abuse

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore keeps counters in process memory. Dev and tests only:
// a scaled deployment must share state through RedisCounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// WithNow fixes the clock. Tests only.
func (s *MemoryCounterStore) WithNow(now func() time.Time) *MemoryCounterStore {
	s.now = now
	return s
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := s.counters[key]
	if c == nil || !now.Before(c.resetAt) {
		c = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt.Sub(now), nil
}
