package biz

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// FailoverResult is the outcome of a successful orchestrated request.
type FailoverResult struct {
	// Value is whatever the winning backend invocation returned.
	Value interface{}
	// Backend is the name of the backend that served the request.
	Backend string
	// Attempts lists the backends tried before the winner, in order.
	Attempts []Attempt
	// Elapsed is the total orchestration time including failed attempts.
	Elapsed time.Duration
}

// BackendStats accumulates per-backend request counters.
type BackendStats struct {
	Successes    uint64  `json:"successes"`
	Failures     uint64  `json:"failures"`
	CircuitOpen  uint64  `json:"circuit_open"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// OrchestratorStats is the operator-facing view of request statistics.
type OrchestratorStats struct {
	TotalRequests uint64                   `json:"total_requests"`
	TotalFailures uint64                   `json:"total_failures"`
	LastUsed      string                   `json:"last_used,omitempty"`
	Backends      map[string]*BackendStats `json:"backends"`
}

// FailoverOrchestrator tries backends in priority order through their
// breakers until one succeeds. Callers see either a result or one of the
// two aggregate errors; per-backend failures are absorbed here.
type FailoverOrchestrator struct {
	registry *Registry
	logger   *log.Helper

	mu       sync.Mutex
	requests uint64
	failures uint64
	lastUsed string
	backends map[string]*BackendStats
}

// NewFailoverOrchestrator creates an orchestrator over the given registry.
func NewFailoverOrchestrator(registry *Registry, logger log.Logger) *FailoverOrchestrator {
	return &FailoverOrchestrator{
		registry: registry,
		logger:   log.NewHelper(logger),
		backends: make(map[string]*BackendStats),
	}
}

// Execute runs the caller's request against the first healthy backend in
// priority order. A breaker-open rejection moves on without penalizing the
// backend further; any other failure is recorded with its kind and the loop
// continues. Returns NoBackendsAvailableError pre-flight when the filtered
// list is empty and AllBackendsFailedError when every backend was tried.
func (o *FailoverOrchestrator) Execute(ctx context.Context) (*FailoverResult, error) {
	start := time.Now()

	entries := o.registry.ListByPriority(true)
	if len(entries) == 0 {
		registered := o.registry.Len()
		o.recordRequest(false)
		o.logger.Warnw("msg", "no backends available",
			"registered", registered)
		return nil, &NoBackendsAvailableError{Registered: registered, Open: registered}
	}

	attempts := make([]Attempt, 0, len(entries))
	for _, entry := range entries {
		desc := entry.Descriptor()
		name := desc.Name
		attemptStart := time.Now()

		value, err := entry.Breaker.Call(ctx, desc.Invoke)
		elapsed := time.Since(attemptStart)

		if err == nil {
			o.recordSuccess(name, elapsed)
			return &FailoverResult{
				Value:    value,
				Backend:  name,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}, nil
		}

		attempt := Attempt{
			Backend:  name,
			Priority: desc.Priority,
			Message:  err.Error(),
			Elapsed:  elapsed,
		}
		if IsBreakerOpen(err) {
			// The breaker already absorbed this; not a fresh backend failure.
			attempt.Kind = AttemptKindCircuitOpen
			o.recordCircuitOpen(name)
		} else {
			attempt.Kind = string(FailureKindOf(err))
			o.recordFailure(name, elapsed)
		}
		attempts = append(attempts, attempt)

		o.logger.Warnw("msg", "backend attempt failed",
			"backend", name,
			"kind", attempt.Kind,
			"elapsed_ms", elapsed.Milliseconds())
	}

	o.recordRequest(false)
	return nil, &AllBackendsFailedError{Attempts: attempts}
}

// Stats returns a copy of the accumulated request statistics.
func (o *FailoverOrchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := OrchestratorStats{
		TotalRequests: o.requests,
		TotalFailures: o.failures,
		LastUsed:      o.lastUsed,
		Backends:      make(map[string]*BackendStats, len(o.backends)),
	}
	for name, s := range o.backends {
		copied := *s
		out.Backends[name] = &copied
	}
	return out
}

func (o *FailoverOrchestrator) backendStatsLocked(name string) *BackendStats {
	s, ok := o.backends[name]
	if !ok {
		s = &BackendStats{}
		o.backends[name] = s
	}
	return s
}

func (o *FailoverOrchestrator) recordRequest(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	if !success {
		o.failures++
	}
}

func (o *FailoverOrchestrator) recordSuccess(name string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	o.lastUsed = name
	s := o.backendStatsLocked(name)
	s.Successes++
	// Running average over every timed attempt against this backend.
	n := float64(s.Successes + s.Failures)
	s.AvgLatencyMs += (float64(elapsed.Milliseconds()) - s.AvgLatencyMs) / n
}

func (o *FailoverOrchestrator) recordFailure(name string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.backendStatsLocked(name)
	s.Failures++
	n := float64(s.Successes + s.Failures)
	s.AvgLatencyMs += (float64(elapsed.Milliseconds()) - s.AvgLatencyMs) / n
}

func (o *FailoverOrchestrator) recordCircuitOpen(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backendStatsLocked(name).CircuitOpen++
}
