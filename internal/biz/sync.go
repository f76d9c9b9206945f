package biz

import (
	"context"
	"time"

	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SharedStateBackend carries breaker state across worker processes:
// broadcast of sync events, a last-known-state store with expiring entries,
// and best-effort distributed locking. Implementations live in the data
// layer (in-memory for single-worker deployments, Redis-backed for
// multi-worker ones).
type SharedStateBackend interface {
	// Publish broadcasts an event to every other worker. Best-effort: the
	// returned error is for logging only and must not abort the caller.
	Publish(ctx context.Context, ev *model.SyncEvent) error

	// Subscribe registers a handler invoked once per received event on a
	// dedicated background goroutine, never the publisher's. Safe to call
	// before any publisher exists.
	Subscribe(ctx context.Context, handler func(*model.SyncEvent)) error

	// GetState returns the last persisted snapshot for a backend, or
	// (nil, nil) when none is stored or it has expired.
	GetState(ctx context.Context, backendName string) (*model.StateSnapshot, error)

	// SetState persists a snapshot with the backend's configured TTL.
	SetState(ctx context.Context, snap *model.StateSnapshot) error

	// AcquireLock tries to take the named cross-process lock, waiting at
	// most wait. The lock self-expires after ttl so a crashed holder can
	// never wedge it. Returns whether the lock was taken.
	AcquireLock(ctx context.Context, name string, ttl, wait time.Duration) (bool, error)

	// ReleaseLock releases a lock taken by this instance. Releasing a lock
	// held by someone else is a no-op.
	ReleaseLock(ctx context.Context, name string) error

	// Close stops the subscription loop and releases resources.
	Close() error
}

// stateLockPrefix names the shared lock serializing concurrent snapshot
// writers for the same backend.
const stateLockPrefix = "state-write:"

// seenEventCapacity bounds the duplicate-suppression cache. The broker is
// at-least-once; replaying an event ID already seen is skipped outright.
const seenEventCapacity = 4096

// SyncManager owns this process's worker identity and wires local breaker
// transitions to the shared backend's publish path, applying incoming
// remote events to the matching local breakers.
type SyncManager struct {
	workerID string
	backend  SharedStateBackend
	registry *Registry
	seen     *lru.Cache[string, struct{}]
	logger   *log.Helper

	cancel context.CancelFunc
}

// NewSyncManager creates a manager for the given worker identity. It binds
// itself to every breaker currently in the registry.
func NewSyncManager(workerID string, backend SharedStateBackend, registry *Registry, logger log.Logger) (*SyncManager, error) {
	seen, err := lru.New[string, struct{}](seenEventCapacity)
	if err != nil {
		return nil, err
	}
	m := &SyncManager{
		workerID: workerID,
		backend:  backend,
		registry: registry,
		seen:     seen,
		logger:   log.NewHelper(logger),
	}
	return m, nil
}

// WorkerID returns this process's stable worker identity.
func (m *SyncManager) WorkerID() string { return m.workerID }

// Start subscribes to remote events, binds every registered breaker to this
// manager, and then catches up from persisted snapshots. Catch-up runs
// after subscribing so no transition falls between the two.
func (m *SyncManager) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.backend.Subscribe(subCtx, m.handleEvent); err != nil {
		cancel()
		return err
	}

	for _, name := range m.registry.Names() {
		breaker, ok := m.registry.GetBreaker(name)
		if !ok {
			continue
		}
		breaker.BindSync(m)
	}

	m.Reconcile(ctx)

	m.logger.Infow("msg", "sync manager started",
		"worker_id", m.workerID,
		"backends", len(m.registry.Names()))
	return nil
}

// Stop tears down the subscription.
func (m *SyncManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Reconcile pulls every registered breaker's last snapshot from shared
// storage and applies it when newer than local state. Called at startup and
// periodically, to heal workers that missed broadcasts.
func (m *SyncManager) Reconcile(ctx context.Context) {
	for _, name := range m.registry.Names() {
		breaker, ok := m.registry.GetBreaker(name)
		if !ok {
			continue
		}
		snap, err := m.backend.GetState(ctx, name)
		if err != nil {
			m.logger.Warnw("msg", "failed to read shared snapshot",
				"backend", name, "error", err)
			continue
		}
		if snap == nil || snap.WorkerID == m.workerID {
			continue
		}
		applied, err := breaker.LoadSnapshot(snap)
		if err != nil {
			m.logger.Warnw("msg", "failed to apply shared snapshot",
				"backend", name, "error", err)
			continue
		}
		if applied {
			m.logger.Infow("msg", "breaker state loaded from shared snapshot",
				"backend", name,
				"state", snap.State.String(),
				"origin_worker", snap.WorkerID)
		}
	}
}

// NotifyTransition implements SyncNotifier. Called by a breaker after every
// locally originated transition: persists the fresh snapshot, then
// broadcasts the transition event. Both legs are best-effort; the local
// breaker is already in its new state regardless.
func (m *SyncManager) NotifyTransition(backend string, from, to model.CircuitState, snap *model.StateSnapshot, reason string) {
	ctx := context.Background()
	snap.WorkerID = m.workerID

	lockName := stateLockPrefix + backend
	locked, err := m.backend.AcquireLock(ctx, lockName, 5*time.Second, 100*time.Millisecond)
	if err != nil {
		m.logger.Warnw("msg", "state lock acquisition failed", "backend", backend, "error", err)
	}
	if err := m.backend.SetState(ctx, snap); err != nil {
		m.logger.Warnw("msg", "failed to persist breaker snapshot",
			"backend", backend, "error", err)
	}
	if locked {
		if err := m.backend.ReleaseLock(ctx, lockName); err != nil {
			m.logger.Warnw("msg", "state lock release failed", "backend", backend, "error", err)
		}
	}

	ev := m.newEvent(backend, eventKindForState(to))
	ev.Metadata = map[string]interface{}{
		model.MetaFailureCount: int64(snap.FailureCount),
		model.MetaSuccessCount: int64(snap.SuccessCount),
		model.MetaReason:       reason,
	}
	// Remember our own event ID so a broker echo is dropped even if the
	// worker ID check were ever to miss.
	m.seen.Add(ev.ID, struct{}{})

	if err := m.backend.Publish(ctx, ev); err != nil {
		m.logger.Warnw("msg", "failed to publish sync event",
			"backend", backend,
			"kind", ev.Kind,
			"error", err)
	}
}

// NotifyOutcome implements SyncNotifier. Publishes the informational
// failure/success events; nothing consumes them remotely beyond debug
// logging, and they never drive transitions.
func (m *SyncManager) NotifyOutcome(backend string, kind model.EventKind, failureKind model.FailureKind) {
	ev := m.newEvent(backend, kind)
	if failureKind != "" {
		ev.Metadata = map[string]interface{}{model.MetaFailureKind: string(failureKind)}
	}
	m.seen.Add(ev.ID, struct{}{})
	if err := m.backend.Publish(context.Background(), ev); err != nil {
		m.logger.Debugw("msg", "failed to publish outcome event",
			"backend", backend, "kind", kind, "error", err)
	}
}

// handleEvent applies one received event. Events from this worker are
// skipped, duplicates are dropped, informational events are logged only,
// and unknown backend names are silently discarded.
func (m *SyncManager) handleEvent(ev *model.SyncEvent) {
	if ev.WorkerID == m.workerID {
		return
	}
	if ev.ID != "" {
		if _, dup := m.seen.Get(ev.ID); dup {
			return
		}
		m.seen.Add(ev.ID, struct{}{})
	}

	if !ev.IsTransition() {
		m.logger.Debugw("msg", "remote outcome event",
			"backend", ev.BackendName,
			"kind", ev.Kind,
			"origin_worker", ev.WorkerID)
		return
	}

	breaker, ok := m.registry.GetBreaker(ev.BackendName)
	if !ok {
		m.logger.Debugw("msg", "sync event for unknown backend dropped",
			"backend", ev.BackendName,
			"kind", ev.Kind)
		return
	}

	breaker.ApplyRemoteEvent(ev)
}

func (m *SyncManager) newEvent(backend string, kind model.EventKind) *model.SyncEvent {
	return &model.SyncEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		BackendName: backend,
		WorkerID:    m.workerID,
		Timestamp:   model.FormatTime(time.Now()),
	}
}

func eventKindForState(s model.CircuitState) model.EventKind {
	switch s {
	case model.StateOpen:
		return model.EventOpened
	case model.StateHalfOpen:
		return model.EventHalfOpen
	default:
		return model.EventClosed
	}
}
