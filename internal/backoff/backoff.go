// Package backoff provides exponential backoff with jitter for retrying
// transient failures.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve.
type Policy struct {
	// Initial is the first delay.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Factor multiplies the delay each attempt.
	Factor float64

	// Jitter in [0,1] randomizes each delay upward by up to that fraction.
	Jitter float64
}

// Default suits short-lived network calls.
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the backoff before the given attempt. Attempts count from 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	base += base * p.Jitter * random
	return time.Duration(math.Min(float64(p.Max), base))
}

// Retry runs fn up to attempts times, sleeping the policy delay between
// failures. It returns nil on the first success, the last error otherwise,
// and stops early when ctx is cancelled.
func Retry(ctx context.Context, attempts int, p Policy, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
