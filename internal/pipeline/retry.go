package pipeline

import (
	"math"
	"time"
)

// RetryPolicy is the exponential backoff between failed attempts of a step.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Backoff returns the wait after the given failed attempt (1-based).
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt-1))
	if delay > float64(r.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(r.MaxDelay)
	}
	return time.Duration(delay)
}
