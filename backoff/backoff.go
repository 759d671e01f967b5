// Package backoff computes retry delays. The state machine's retry policies
// use Multiplicative; the worker and client reconnect loops use the
// default strategy. All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// MaxDelay bounds every computed delay, so adding one to a wall-clock time
// never overflows.
const MaxDelay = 100 * 365 * 24 * time.Hour

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Multiplicative
// ──────────────────────────────────────────────────

// Multiplicative grows the delay by Rate each attempt.
// Delay = min(Initial * Rate^(attempt-1), Max). With Jitter the result is
// drawn uniformly from [0, Delay].
type Multiplicative struct {
	Initial time.Duration
	Rate    float64
	Max     time.Duration
	Jitter  bool
}

// NewMultiplicative creates a multiplicative backoff without jitter.
func NewMultiplicative(initial time.Duration, rate float64, maxDelay time.Duration) *Multiplicative {
	return &Multiplicative{Initial: initial, Rate: rate, Max: maxDelay}
}

// Delay returns Initial * Rate^(attempt-1), capped at Max and at MaxDelay.
func (m *Multiplicative) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	rate := m.Rate
	if rate < 1 {
		rate = 1
	}
	limit := float64(MaxDelay)
	if m.Max > 0 && m.Max < MaxDelay {
		limit = float64(m.Max)
	}
	base := float64(m.Initial) * math.Pow(rate, float64(attempt-1))
	if base >= limit || math.IsNaN(base) {
		base = limit
	}
	if base < 0 {
		base = 0
	}
	if m.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(base)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used by polling loops after a
// transport error: doubling with full jitter, 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return &Multiplicative{Initial: time.Second, Rate: 2, Max: time.Minute, Jitter: true}
}
