package infra

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter matching the
// venue's published request limits. Refill is continuous: fractional
// tokens accumulate over elapsed time rather than in steps.
// Safe for concurrent callers; waiters suspend on a timer instead of
// spinning.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with the given burst capacity
// and refill rate (tokens per second). The bucket starts full.
func NewRateLimiter(capacity int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until weight units of capacity are available, then
// consumes them. It returns early with the context error if ctx is
// cancelled while waiting. A weight above the bucket capacity can
// never be satisfied and is rejected outright.
func (r *RateLimiter) Acquire(ctx context.Context, weight float64) error {
	if weight <= 0 {
		return nil
	}
	if weight > r.capacity {
		return fmt.Errorf("rate limiter: weight %.1f exceeds capacity %.1f", weight, r.capacity)
	}

	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= weight {
			r.tokens -= weight
			r.mu.Unlock()
			return nil
		}
		// Wait exactly as long as the deficit takes to refill.
		wait := time.Duration((weight - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire attempts to consume weight tokens without blocking.
func (r *RateLimiter) TryAcquire(weight float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= weight {
		r.tokens -= weight
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Must be called with the
// mutex held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate

	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}

	r.lastRefill = now
}
