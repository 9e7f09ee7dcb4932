package db

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles background writes with a token bucket. It starts
// disabled; callers switch it on while the UI is under interactive load so
// background sync cannot starve foreground work. Reads never take a token.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// NewRateLimiter creates a limiter that allows tokens writes per refill
// interval, with a burst of tokens.
func NewRateLimiter(tokens int, refill time.Duration) *RateLimiter {
	if tokens <= 0 {
		tokens = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(refill/time.Duration(tokens)), tokens),
	}
}

// SetEnabled turns throttling on or off.
func (r *RateLimiter) SetEnabled(on bool) {
	r.enabled.Store(on)
}

// Enabled reports whether throttling is on.
func (r *RateLimiter) Enabled() bool {
	return r.enabled.Load()
}

// Wait blocks until a token is available, or returns immediately when the
// limiter is disabled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || !r.enabled.Load() {
		return nil
	}
	return r.limiter.Wait(ctx)
}
