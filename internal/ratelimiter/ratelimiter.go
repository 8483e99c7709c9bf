package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter throttles how often new remote sessions may be dialed.
//
// Opening a session means a TCP connect plus a full authentication
// handshake, so a burst of cache misses (a file browser listing a deep tree,
// or the cache thrashing at capacity) can hammer a server with logins. The
// limiter is a token bucket over golang.org/x/time/rate:
//   - dialsPerSecond tokens are added per second
//   - burst is the number of dials allowed back to back
//
// A zero rate disables limiting entirely.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
//
// Parameters:
//   - dialsPerSecond: Sustained dial rate (0 = unlimited)
//   - burst: Dials allowed without waiting (clamped to at least 1)
func New(dialsPerSecond float64, burst int) *RateLimiter {
	if dialsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(dialsPerSecond), burst),
	}
}

// Allow reports whether a dial may start right now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a dial may start or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dial rate limit: %w", err)
	}
	return nil
}

// Unlimited reports whether the limiter lets every dial through.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Tokens returns the dials currently available without waiting.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
