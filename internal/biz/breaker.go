// Package biz contains the resilience core: per-backend circuit breakers,
// the backend registry, priority failover and multi-worker state sync.
package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// StateChangeListener observes breaker transitions. Listeners are advisory:
// panics are recovered and logged, never propagated to the data path.
type StateChangeListener func(backend string, from, to model.CircuitState)

// SyncNotifier receives local breaker activity for cross-worker broadcast.
// Implemented by the SyncManager. Remote-applied transitions are never
// reported back through it, which keeps event replay idempotent.
type SyncNotifier interface {
	NotifyTransition(backend string, from, to model.CircuitState, snap *model.StateSnapshot, reason string)
	NotifyOutcome(backend string, kind model.EventKind, failureKind model.FailureKind)
}

// CircuitBreaker is the per-backend fail-fast state machine. One instance
// per registered backend, owned by its registry entry.
type CircuitBreaker struct {
	name   string
	cfg    model.BreakerConfig
	logger *log.Helper

	// now is swappable for tests.
	now func() time.Time

	mu             sync.Mutex
	state          model.CircuitState
	failureCount   int
	successCount   int
	lastFailureAt  time.Time
	openedAt       time.Time
	stateChangedAt time.Time
	listeners      []StateChangeListener
	sync           SyncNotifier
}

// transitionRecord carries a completed transition out of the lock so
// listeners and the sync notifier run without holding it.
type transitionRecord struct {
	from   model.CircuitState
	to     model.CircuitState
	reason string
	local  bool
}

// NewCircuitBreaker creates a closed breaker for the named backend.
func NewCircuitBreaker(name string, cfg model.BreakerConfig, logger log.Logger) (*CircuitBreaker, error) {
	if name == "" {
		return nil, fmt.Errorf("breaker name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config for %q: %w", name, err)
	}
	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: log.NewHelper(logger),
		now:    time.Now,
		state:  model.StateClosed,
	}
	b.stateChangedAt = b.now()
	return b, nil
}

// Name returns the backend name this breaker guards.
func (b *CircuitBreaker) Name() string { return b.name }

// Config returns the immutable breaker configuration.
func (b *CircuitBreaker) Config() model.BreakerConfig { return b.cfg }

// State returns the current state.
func (b *CircuitBreaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddListener registers a state-change observer.
func (b *CircuitBreaker) AddListener(l StateChangeListener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// BindSync attaches the cross-worker notifier for local transitions.
func (b *CircuitBreaker) BindSync(n SyncNotifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync = n
}

// Call runs the invocation through the breaker. Admission is decided under
// the lock; the invocation itself runs outside it so a slow backend never
// stalls state inspection or other callers. The invocation's error is
// returned unchanged.
func (b *CircuitBreaker) Call(ctx context.Context, inv model.Invocation) (interface{}, error) {
	if inv == nil {
		return nil, fmt.Errorf("backend %q has no invocation handle", b.name)
	}
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := inv(ctx)
	if err != nil {
		b.OnFailure(FailureKindOf(err))
		return nil, err
	}
	b.OnSuccess()
	return result, nil
}

// admit decides whether a call may proceed, auto-promoting Open to HalfOpen
// once the recovery timeout has elapsed.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	var tr *transitionRecord
	switch b.state {
	case model.StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			retry := b.cfg.RecoveryTimeout - elapsed
			b.mu.Unlock()
			return &BreakerOpenError{Backend: b.name, RetryAfter: retry}
		}
		t := b.transitionLocked(model.StateHalfOpen, "recovery timeout elapsed")
		tr = &t
	case model.StateHalfOpen:
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return &BreakerOpenError{Backend: b.name}
		}
	}
	b.mu.Unlock()
	if tr != nil {
		b.dispatch(*tr)
	}
	return nil
}

// OnSuccess records a successful invocation outcome.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	var tr *transitionRecord
	switch b.state {
	case model.StateClosed:
		b.failureCount = 0
	case model.StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			t := b.transitionLocked(model.StateClosed, "half-open probes succeeded")
			tr = &t
		}
	}
	notifier := b.sync
	b.mu.Unlock()

	if tr != nil {
		b.dispatch(*tr)
	}
	if notifier != nil {
		notifier.NotifyOutcome(b.name, model.EventSuccess, "")
	}
}

// OnFailure records a failed invocation outcome. Failures whose kind is not
// in the counted set are ignored entirely: no counter, no transition.
func (b *CircuitBreaker) OnFailure(kind model.FailureKind) {
	if !b.cfg.Counts(kind) {
		b.logger.Debugw("msg", "uncounted failure kind ignored", "backend", b.name, "kind", kind)
		return
	}

	b.mu.Lock()
	b.failureCount++
	b.lastFailureAt = b.now()
	var tr *transitionRecord
	switch b.state {
	case model.StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			t := b.transitionLocked(model.StateOpen, "failure threshold reached")
			tr = &t
		}
	case model.StateHalfOpen:
		// A single counted failure discards accumulated probe successes.
		t := b.transitionLocked(model.StateOpen, "failure during half-open probe")
		tr = &t
	}
	notifier := b.sync
	b.mu.Unlock()

	if tr != nil {
		b.dispatch(*tr)
	}
	if notifier != nil {
		notifier.NotifyOutcome(b.name, model.EventFailure, kind)
	}
}

// Reset forces the breaker closed with zero counters. Operator control.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	var tr *transitionRecord
	if b.state != model.StateClosed {
		t := b.transitionLocked(model.StateClosed, "manual reset")
		tr = &t
	} else {
		b.failureCount = 0
		b.successCount = 0
	}
	b.mu.Unlock()
	if tr != nil {
		b.dispatch(*tr)
	}
}

// ApplyRemoteEvent replays a transition that originated on another worker.
// Informational events are ignored; so is an event whose target state the
// breaker is already in, which makes duplicate delivery a no-op. Remote
// transitions fire listeners but are never reported back to the sync
// notifier.
func (b *CircuitBreaker) ApplyRemoteEvent(ev *model.SyncEvent) {
	target, ok := ev.TargetState()
	if !ok {
		return
	}

	b.mu.Lock()
	if b.state == target {
		b.mu.Unlock()
		return
	}
	tr := b.transitionLocked(target, "remote event from "+ev.WorkerID)
	tr.local = false
	if n, found := ev.MetaInt(model.MetaFailureCount); found {
		b.failureCount = n
	}
	if n, found := ev.MetaInt(model.MetaSuccessCount); found {
		b.successCount = n
	}
	b.mu.Unlock()

	b.dispatch(tr)
}

// LoadSnapshot applies a persisted snapshot if it is newer than the local
// state. Used for cold-start catch-up and periodic reconciliation. Returns
// whether the snapshot was applied.
func (b *CircuitBreaker) LoadSnapshot(snap *model.StateSnapshot) (bool, error) {
	changedAt, err := snap.ChangedAt()
	if err != nil {
		return false, fmt.Errorf("snapshot for %q has invalid state_changed_at: %w", b.name, err)
	}
	lastFailureAt, err := model.ParseTime(snap.LastFailureAt)
	if err != nil {
		return false, fmt.Errorf("snapshot for %q has invalid last_failure_at: %w", b.name, err)
	}
	openedAt, err := model.ParseTime(snap.OpenedAt)
	if err != nil {
		return false, fmt.Errorf("snapshot for %q has invalid opened_at: %w", b.name, err)
	}

	b.mu.Lock()
	if !changedAt.After(b.stateChangedAt) {
		b.mu.Unlock()
		return false, nil
	}
	from := b.state
	b.state = snap.State
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.lastFailureAt = lastFailureAt
	b.openedAt = openedAt
	b.stateChangedAt = changedAt
	b.mu.Unlock()

	if from != snap.State {
		b.dispatch(transitionRecord{from: from, to: snap.State, reason: "snapshot from " + snap.WorkerID, local: false})
	}
	return true, nil
}

// Snapshot captures the full breaker state for shared storage.
func (b *CircuitBreaker) Snapshot(workerID string) *model.StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &model.StateSnapshot{
		BackendName:    b.name,
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		LastFailureAt:  model.FormatTime(b.lastFailureAt),
		OpenedAt:       model.FormatTime(b.openedAt),
		StateChangedAt: model.FormatTime(b.stateChangedAt),
		WorkerID:       workerID,
		CapturedAt:     model.FormatTime(b.now()),
	}
}

// Status returns the operator-facing view of the breaker.
func (b *CircuitBreaker) Status() model.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := model.BreakerStatus{
		Backend:            b.name,
		State:              b.state.String(),
		FailureCount:       b.failureCount,
		SuccessCount:       b.successCount,
		StateChangedAt:     b.stateChangedAt,
		TimeInCurrentState: b.now().Sub(b.stateChangedAt),
		Config:             b.cfg,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		st.LastFailureAt = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}

// available reports whether the registry should offer this backend. An open
// breaker whose recovery timeout has already elapsed counts as available:
// the breaker re-checks timing on the next Call anyway.
func (b *CircuitBreaker) available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != model.StateOpen {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout
}

// transitionLocked moves the state machine. Caller holds b.mu. Counter
// resets keep the invariants: entering Closed zeroes both counters,
// entering HalfOpen zeroes the success counter, and openedAt is set iff
// the state is Open.
func (b *CircuitBreaker) transitionLocked(to model.CircuitState, reason string) transitionRecord {
	from := b.state
	now := b.now()
	b.state = to
	b.stateChangedAt = now
	switch to {
	case model.StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.openedAt = time.Time{}
	case model.StateHalfOpen:
		b.successCount = 0
		b.openedAt = time.Time{}
	case model.StateOpen:
		b.openedAt = now
	}
	return transitionRecord{from: from, to: to, reason: reason, local: true}
}

// dispatch fires listeners and, for local transitions, the sync notifier.
// Runs without the breaker lock. Listener panics are swallowed and logged.
func (b *CircuitBreaker) dispatch(tr transitionRecord) {
	b.mu.Lock()
	listeners := make([]StateChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	notifier := b.sync
	b.mu.Unlock()

	b.logger.Infow("msg", "breaker state changed",
		"backend", b.name,
		"from", tr.from.String(),
		"to", tr.to.String(),
		"reason", tr.reason,
		"local", tr.local)

	for _, l := range listeners {
		b.safeNotify(l, tr)
	}

	if tr.local && notifier != nil {
		notifier.NotifyTransition(b.name, tr.from, tr.to, b.Snapshot(""), tr.reason)
	}
}

func (b *CircuitBreaker) safeNotify(l StateChangeListener, tr transitionRecord) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warnw("msg", "state change listener panicked",
				"backend", b.name,
				"panic", r)
		}
	}()
	l(b.name, tr.from, tr.to)
}
