package models

import "time"

// CircuitState represents the state of a circuit breaker for one downstream key.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen admits a single trial call.
	CircuitHalfOpen CircuitState = "half_open"
)

// Valid returns true if the state is a known value.
func (s CircuitState) Valid() bool {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// CircuitSnapshot is a point-in-time copy of a circuit's state.
type CircuitSnapshot struct {
	Key              string        `json:"key"`
	State            CircuitState  `json:"state"`
	Failures         int           `json:"failures"`
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	LastTransition   time.Time     `json:"last_transition"`
	TotalSuccesses   int64         `json:"total_successes"`
	TotalFailures    int64         `json:"total_failures"`
	Rejections       int64         `json:"rejections"`
	Reopens          int64         `json:"reopens"`
}
