package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/verity/internal/cache"
)

// Bucket retention. Idle keys fall out of the cache after staleThreshold and
// the least recently used key is dropped once maxKeys is reached; either way
// the client starts over with a full bucket.
const (
	staleThreshold = 10 * time.Minute
	maxKeys        = 10_000
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // bucket capacity
	now   func() time.Time

	mu      sync.Mutex
	buckets *cache.BoundedCache[string, *bucket]
}

// Option configures a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key with bursts of up to burst requests.
func NewMemoryLimiter(rate float64, burst int, opts ...Option) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:  rate,
		burst: float64(burst),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.buckets = cache.New[string, *bucket](maxKeys, staleThreshold, cache.WithClock(m.now))
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets.Get(key)
	if !ok {
		m.buckets.Set(key, &bucket{tokens: m.burst - 1, lastAccess: now})
		return m.burst >= 1, nil
	}

	b.tokens += now.Sub(b.lastAccess).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastAccess = now
	// Refresh the entry so an active client is never treated as idle.
	m.buckets.Set(key, b)

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets.Len()
}

// Close is a no-op; buckets expire lazily.
func (m *MemoryLimiter) Close() error { return nil }
