// Package ratelimit throttles task submissions per client.
//
// MemoryLimiter keeps one token bucket per key inside this process. The
// Limiter interface is what the HTTP layer depends on.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. An error means the
	// limiter itself failed; callers let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
