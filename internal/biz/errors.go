package biz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"CircuitLane/internal/model"
)

// AttemptKindCircuitOpen marks a failover attempt that was rejected by an
// open breaker without reaching the backend.
const AttemptKindCircuitOpen = "circuit_open"

// BreakerOpenError is the fast-fail returned when an open breaker rejects a
// call. It is not a backend failure; the orchestrator must not count it
// against the backend again.
type BreakerOpenError struct {
	Backend    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker open for backend %q, retry in %s", e.Backend, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker open for backend %q", e.Backend)
}

// IsBreakerOpen reports whether err is (or wraps) a breaker-open fast-fail.
func IsBreakerOpen(err error) bool {
	var boe *BreakerOpenError
	return errors.As(err, &boe)
}

// BackendError classifies a failure produced by a backend invocation. The
// adapter decides Kind and Retryable; the core only reads them.
type BackendError struct {
	Backend   string
	Kind      model.FailureKind
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %q failed (%s): %v", e.Backend, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// FailureKindOf extracts the failure kind from an invocation error. Errors
// that are not BackendError are counted as unknown.
func FailureKindOf(err error) model.FailureKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return model.FailureKindUnknown
}

// NoBackendsAvailableError is the pre-flight failure raised when the
// priority-filtered backend list is empty: either nothing is registered or
// every breaker is currently open.
type NoBackendsAvailableError struct {
	Registered int
	Open       int
}

// Error implements the error interface.
func (e *NoBackendsAvailableError) Error() string {
	if e.Registered == 0 {
		return "no backends available: none registered"
	}
	return fmt.Sprintf("no backends available: all %d breakers open", e.Open)
}

// Attempt records one failover try against one backend.
type Attempt struct {
	Backend  string        `json:"backend"`
	Priority int           `json:"priority"`
	Kind     string        `json:"kind"`
	Message  string        `json:"message"`
	Elapsed  time.Duration `json:"elapsed"`
}

// AllBackendsFailedError is the post-flight aggregate raised when every
// available backend was tried and none succeeded. It carries the ordered
// per-backend detail.
type AllBackendsFailedError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s)", a.Backend, a.Kind))
	}
	return fmt.Sprintf("all %d backends failed: %s", len(e.Attempts), strings.Join(parts, ", "))
}
