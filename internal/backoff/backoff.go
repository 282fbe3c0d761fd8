// Package backoff provides retry delay strategies. All strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt: min(Initial * 2^(n-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter returns a random delay in [0, Exponential.Delay(n)],
// spreading retries of tasks that failed together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := (&Exponential{Initial: e.Initial, Max: e.Max}).Delay(attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// Default is what the dispatcher uses when none is configured.
func Default(initial time.Duration) Strategy {
	return NewExponentialWithJitter(initial, time.Minute)
}
