package infra

import (
	"math/rand"
	"time"
)

// BackoffConfig describes an exponential backoff schedule with jitter.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay randomized in ±Jitter/2
}

// DefaultBackoff matches the venue-recommended reconnect policy.
var DefaultBackoff = BackoffConfig{
	Base:   1 * time.Second,
	Max:    60 * time.Second,
	Jitter: 0.2,
}

// Delay returns the backoff duration for a given attempt count.
// Logic: Base * 2^attempt, capped at Max, with ±Jitter/2 randomization.
// A negative attempt returns Base.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// 2^30 seconds already exceeds any sane cap; shift no further to
	// avoid overflow.
	if attempt > 30 {
		attempt = 30
	}

	delay := c.Base * time.Duration(1<<attempt)
	if delay > c.Max || delay <= 0 {
		delay = c.Max
	}

	if c.Jitter > 0 {
		// Spread delay across [delay*(1-j/2), delay*(1+j/2)].
		span := float64(delay) * c.Jitter
		delay = time.Duration(float64(delay) - span/2 + rand.Float64()*span)
	}

	return delay
}
