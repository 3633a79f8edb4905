package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffMode selects the retry delay strategy.
type BackoffMode string

const (
	// BackoffFixed retries after the same base delay every time.
	BackoffFixed BackoffMode = "fixed"
	// BackoffExponential doubles the delay with each attempt.
	BackoffExponential BackoffMode = "exponential"
)

// Valid reports whether m is a defined backoff mode.
func (m BackoffMode) Valid() bool {
	return m == BackoffFixed || m == BackoffExponential
}

// Backoff computes the next run time for a failed job. Stateless and safe
// for concurrent use.
type Backoff struct {
	Mode BackoffMode
	Base time.Duration

	// NoJitter disables the ±25% uniform jitter. Jitter is on by default to
	// avoid thundering-herd retries.
	NoJitter bool
}

// Delay returns the wait before retry attempt n (1-indexed; attempt 1 is the
// first retry after the initial failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base)
	if b.Mode == BackoffExponential {
		d = float64(b.Base) * math.Pow(2, float64(attempt-1))
	}

	if !b.NoJitter {
		// Uniform in [0.75d, 1.25d].
		d *= 0.75 + rand.Float64()*0.5
	}

	return time.Duration(d)
}

// NextRunAt returns when the job becomes eligible again after failing its
// n-th attempt.
func (b Backoff) NextRunAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
