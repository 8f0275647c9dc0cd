package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store performs one atomic consume step for key. Implementations must
// serialize concurrent calls for the same key and may run calls for
// different keys in parallel.
type Store interface {
	Consume(ctx context.Context, key string, limit int64, interval time.Duration, now time.Time) (Result, error)
	Name() string
}

type memoryBucket struct {
	mu       sync.Mutex
	state    *Bucket
	interval time.Duration
	// evicted is set by Prune; a Consume holding a stale pointer retries
	// against the map instead of writing to a detached bucket.
	evicted bool
}

// MemoryStore keeps buckets in process memory. It is the single-node store
// used by tests and by deployments without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) Consume(ctx context.Context, key string, limit int64, interval time.Duration, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	for {
		b := s.bucket(key)
		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		next, result := Apply(b.state, limit, interval, now)
		b.state = &next
		b.interval = interval
		b.mu.Unlock()
		return result, nil
	}
}

// Get returns a copy of the stored bucket.
func (s *MemoryStore) Get(key string) (Bucket, bool) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	s.mu.Unlock()
	if !ok {
		return Bucket{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return Bucket{}, false
	}
	return *b.state, true
}

// Prune drops buckets whose last interval has fully elapsed at now. Such a
// bucket would refill to its limit on the next call, so recreating it full
// admits nothing extra. It stands in for the key expiry that Redis provides.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		if b.state != nil && !now.Before(b.state.LastRefillAt.Add(b.interval)) {
			b.evicted = true
			delete(s.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) bucket(key string) *memoryBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &memoryBucket{}
		s.buckets[key] = b
	}
	return b
}
