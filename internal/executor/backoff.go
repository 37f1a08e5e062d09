package executor

import (
	"fmt"
	"math"
	"time"
)

// maxDelay bounds every computed delay so it never overflows time.Duration.
const maxDelay = time.Duration(math.MaxInt64)

// Backoff computes the delay before a failed task re-enters the ready set.
// attempt is the retry number starting at 0.
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every retry.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Next(_ int) time.Duration { return b.Delay }

// LinearBackoff grows the delay by Step on every retry.
type LinearBackoff struct {
	Base time.Duration
	Step time.Duration
}

func (b LinearBackoff) Next(attempt int) time.Duration {
	if attempt <= 0 || b.Step <= 0 {
		return b.Base
	}
	if time.Duration(attempt) > (maxDelay-b.Base)/b.Step {
		return maxDelay
	}
	return b.Base + b.Step*time.Duration(attempt)
}

// ExponentialBackoff multiplies the delay on every retry, capped at Max when
// set and at the largest time.Duration otherwise.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	limit := maxDelay
	if b.Max > 0 {
		limit = b.Max
	}
	delay := float64(b.Base)
	for range attempt {
		delay *= b.Multiplier
		if delay >= float64(limit) {
			return limit
		}
	}
	return time.Duration(delay)
}

// BackoffConfig selects and parameterises a Backoff.
type BackoffConfig struct {
	// Strategy is one of "fixed", "linear" or "exponential".
	Strategy   string        `mapstructure:"strategy"`
	Base       time.Duration `mapstructure:"base"`
	Step       time.Duration `mapstructure:"step"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
}

// Build returns the configured Backoff.
func (c BackoffConfig) Build() (Backoff, error) {
	if c.Base < 0 || c.Step < 0 || c.Max < 0 {
		return nil, fmt.Errorf("backoff durations must not be negative")
	}
	switch c.Strategy {
	case "", "fixed":
		return FixedBackoff{Delay: c.Base}, nil
	case "linear":
		return LinearBackoff{Base: c.Base, Step: c.Step}, nil
	case "exponential":
		mult := c.Multiplier
		if mult < 1 {
			mult = 2
		}
		return ExponentialBackoff{Base: c.Base, Multiplier: mult, Max: c.Max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", c.Strategy)
	}
}
