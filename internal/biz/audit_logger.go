package biz

import (
	"context"

	"CircuitLane/internal/model"
)

// TransitionAudit defines the interface for persisting breaker transition
// history. Implementations must never block or fail the caller; auditing is
// advisory.
type TransitionAudit interface {
	// LogTransition records one breaker state change.
	LogTransition(ctx context.Context, backend string, from, to model.CircuitState, failureCount, successCount int, workerID, reason string)
}

// NewAuditListener adapts the audit sink into a breaker state-change
// listener. Counters are read back from the registry at notification time.
func NewAuditListener(registry *Registry, audit TransitionAudit, workerID string) StateChangeListener {
	return func(backend string, from, to model.CircuitState) {
		breaker, ok := registry.GetBreaker(backend)
		if !ok {
			return
		}
		st := breaker.Status()
		audit.LogTransition(context.Background(), backend, from, to,
			st.FailureCount, st.SuccessCount, workerID, "")
	}
}
