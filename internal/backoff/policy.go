// Package backoff retries remote calls with bounded exponential delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy is a bounded exponential delay schedule.
type BackoffPolicy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// Factor multiplies the delay after each further attempt.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delay is Delay with r in [0, 1) supplied by the caller.
func (p BackoffPolicy) delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	d += d * p.Jitter * r
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d).Round(time.Millisecond)
}

// DefaultPolicy paces language model retries: 500ms doubling to 8s, 20% jitter.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 500 * time.Millisecond,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// FastPolicy keeps delays in the low milliseconds.
func FastPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 5 * time.Millisecond,
		Max:     50 * time.Millisecond,
		Factor:  2,
	}
}
