// Package model contains the domain types shared across the breaker,
// registry, failover and sync layers, together with their wire encoding.
package model

import (
	"fmt"
	"time"
)

// CircuitState is the state of a per-backend circuit breaker.
type CircuitState int32

const (
	// StateClosed admits every call; the backend is considered healthy.
	StateClosed CircuitState = iota
	// StateOpen fails fast; no call reaches the backend until the
	// recovery timeout has elapsed.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls while the
	// backend proves itself again.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseCircuitState parses a wire name produced by CircuitState.String.
func ParseCircuitState(s string) (CircuitState, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// FailureKind classifies a backend failure. Kinds are decided by the
// backend adapter and are opaque to the breaker; it only compares them
// against the configured counted set.
type FailureKind string

const (
	FailureKindRateLimited      FailureKind = "rate_limited"
	FailureKindAuthFailed       FailureKind = "auth_failed"
	FailureKindConnectionFailed FailureKind = "connection_failed"
	FailureKindInvalidResponse  FailureKind = "invalid_response"
	FailureKindUnknown          FailureKind = "unknown"
)

// BreakerConfig is the immutable per-backend breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of counted failures that opens a
	// closed breaker.
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long an open breaker waits before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenMaxCalls is the number of consecutive probe successes
	// needed to close a half-open breaker.
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls" json:"half_open_max_calls"`
	// CountedFailureKinds restricts which failure kinds move the
	// failure counter. Empty means every failure counts.
	CountedFailureKinds []FailureKind `mapstructure:"counted_failure_kinds" json:"counted_failure_kinds,omitempty"`
}

// Validate checks the configured thresholds.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be >= 1, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// Counts reports whether a failure of the given kind moves the counter.
func (c BreakerConfig) Counts(kind FailureKind) bool {
	if len(c.CountedFailureKinds) == 0 {
		return true
	}
	for _, k := range c.CountedFailureKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BreakerStatus is the operator-facing view of one breaker.
type BreakerStatus struct {
	Backend            string        `json:"backend"`
	State              string        `json:"state"`
	FailureCount       int           `json:"failure_count"`
	SuccessCount       int           `json:"success_count"`
	LastFailureAt      *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt           *time.Time    `json:"opened_at,omitempty"`
	StateChangedAt     time.Time     `json:"state_changed_at"`
	TimeInCurrentState time.Duration `json:"time_in_current_state"`
	Config             BreakerConfig `json:"config"`
}
