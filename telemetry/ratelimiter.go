package telemetry

import (
	"sync"
	"time"
)

// RateLimiter throttles repeated log lines (the TelemetryLogger uses one to
// cap error-level spam from a single hot failure path).
type RateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing at most one Allow() every
// interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
	}
}

// Allow reports whether the caller may proceed, updating the internal
// clock when it does.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
