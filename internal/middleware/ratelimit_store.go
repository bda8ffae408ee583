package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/charlesng35/credledger/internal/cache"
)

// RateStore coordinates rate limiting counters for a specific key.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

const (
	defaultRateWindow = time.Minute
	memoryPruneEvery  = 30 * time.Second
)

// MemoryStoreOption tunes the process-local rate store.
type MemoryStoreOption func(*memoryRateStore)

// WithRateClock overrides the clock, mainly for tests.
func WithRateClock(clock func() time.Time) MemoryStoreOption {
	return func(s *memoryRateStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

type memoryRateStore struct {
	mu        sync.Mutex
	windows   map[string]rateWindow
	clock     func() time.Time
	nextPrune time.Time
}

type rateWindow struct {
	hits int
	ends time.Time
}

// NewMemoryRateStore keeps fixed-window counters in process. It suits a
// single replica; clustered deployments should use NewCacheRateStore.
func NewMemoryRateStore(opts ...MemoryStoreOption) RateStore {
	s := &memoryRateStore{
		windows: make(map[string]rateWindow),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = defaultRateWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.pruneLocked(now)

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		w = rateWindow{ends: now.Add(window)}
	}
	w.hits++
	s.windows[key] = w

	return w.hits, w.ends.Sub(now), nil
}

// pruneLocked drops lapsed windows at most once per memoryPruneEvery.
func (s *memoryRateStore) pruneLocked(now time.Time) {
	if now.Before(s.nextPrune) {
		return
	}
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
		}
	}
	s.nextPrune = now.Add(memoryPruneEvery)
}

func (s *memoryRateStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// storeRateStore implements RateStore on a shared cache.Store.
type storeRateStore struct {
	store cache.Store
}

// NewCacheRateStore wraps a cache store, typically the database-backed one,
// so every replica shares the same counters.
func NewCacheRateStore(store cache.Store) RateStore {
	if store == nil {
		return nil
	}
	return &storeRateStore{store: store}
}

func (s *storeRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = defaultRateWindow
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, key, window)
	return int(count), ttl, err
}
