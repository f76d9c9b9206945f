package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"CircuitLane/internal/data"
	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transitionCounter counts state changes per backend, for asserting that
// remote events are applied exactly once.
type transitionCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func newTransitionCounter() *transitionCounter {
	return &transitionCounter{count: make(map[string]int)}
}

func (c *transitionCounter) Listener() StateChangeListener {
	return func(backend string, from, to model.CircuitState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.count[backend]++
	}
}

func (c *transitionCounter) Count(backend string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[backend]
}

// syncWorker is one simulated process: registry, breakers and manager,
// all sharing the same in-memory backend.
type syncWorker struct {
	registry *Registry
	mgr      *SyncManager
}

func newSyncWorker(t *testing.T, id string, shared SharedStateBackend, backends ...string) *syncWorker {
	t.Helper()
	r := NewRegistry(log.DefaultLogger)
	for i, name := range backends {
		_, err := r.Register(model.BackendDescriptor{Name: name, Priority: i}, "", testConfig())
		require.NoError(t, err)
	}
	mgr, err := NewSyncManager(id, shared, r, log.DefaultLogger)
	require.NoError(t, err)
	return &syncWorker{registry: r, mgr: mgr}
}

func (w *syncWorker) start(t *testing.T) {
	t.Helper()
	require.NoError(t, w.mgr.Start(context.Background()))
	t.Cleanup(w.mgr.Stop)
}

func (w *syncWorker) breaker(t *testing.T, name string) *CircuitBreaker {
	t.Helper()
	b, ok := w.registry.GetBreaker(name)
	require.True(t, ok)
	return b
}

func TestSync_TransitionPropagatesAcrossWorkers(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	a := newSyncWorker(t, "worker-a", shared, "openai-primary")
	b := newSyncWorker(t, "worker-b", shared, "openai-primary")
	a.start(t)
	b.start(t)

	for i := 0; i < 3; i++ {
		a.breaker(t, "openai-primary").OnFailure(model.FailureKindConnectionFailed)
	}
	require.Equal(t, model.StateOpen, a.breaker(t, "openai-primary").State())

	assert.Eventually(t, func() bool {
		return b.breaker(t, "openai-primary").State() == model.StateOpen
	}, 2*time.Second, 10*time.Millisecond, "worker B should converge to open")

	// The remote counters rode along with the event.
	assert.Equal(t, 3, b.breaker(t, "openai-primary").Status().FailureCount)
}

func TestSync_NoEchoLoop(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	a := newSyncWorker(t, "worker-a", shared, "openai-primary")
	b := newSyncWorker(t, "worker-b", shared, "openai-primary")

	counterA := newTransitionCounter()
	a.breaker(t, "openai-primary").AddListener(counterA.Listener())

	a.start(t)
	b.start(t)

	for i := 0; i < 3; i++ {
		a.breaker(t, "openai-primary").OnFailure(model.FailureKindConnectionFailed)
	}

	assert.Eventually(t, func() bool {
		return b.breaker(t, "openai-primary").State() == model.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	// Give any would-be echo time to arrive, then confirm A transitioned
	// exactly once: its own broadcast never bounced back.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, counterA.Count("openai-primary"))
	assert.Equal(t, model.StateOpen, a.breaker(t, "openai-primary").State())
}

func TestSync_DuplicateEventAppliedOnce(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	w := newSyncWorker(t, "worker-a", shared, "openai-primary")
	counter := newTransitionCounter()
	w.breaker(t, "openai-primary").AddListener(counter.Listener())

	ev := &model.SyncEvent{
		ID:          "dup-1",
		Kind:        model.EventOpened,
		BackendName: "openai-primary",
		WorkerID:    "worker-remote",
		Timestamp:   model.FormatTime(time.Now().UTC()),
	}
	w.mgr.handleEvent(ev)
	w.mgr.handleEvent(ev)

	assert.Equal(t, model.StateOpen, w.breaker(t, "openai-primary").State())
	assert.Equal(t, 1, counter.Count("openai-primary"))
}

func TestSync_OwnEventsSkipped(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	w := newSyncWorker(t, "worker-a", shared, "openai-primary")

	w.mgr.handleEvent(&model.SyncEvent{
		ID:          "self-1",
		Kind:        model.EventOpened,
		BackendName: "openai-primary",
		WorkerID:    "worker-a",
	})
	assert.Equal(t, model.StateClosed, w.breaker(t, "openai-primary").State())
}

func TestSync_UnknownBackendDropped(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	w := newSyncWorker(t, "worker-a", shared, "openai-primary")

	// Must not panic or touch any registered breaker.
	w.mgr.handleEvent(&model.SyncEvent{
		ID:          "ghost-1",
		Kind:        model.EventOpened,
		BackendName: "never-registered",
		WorkerID:    "worker-remote",
	})
	assert.Equal(t, model.StateClosed, w.breaker(t, "openai-primary").State())
}

func TestSync_InformationalEventsDoNotTransition(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	w := newSyncWorker(t, "worker-a", shared, "openai-primary")

	w.mgr.handleEvent(&model.SyncEvent{
		ID:          "info-1",
		Kind:        model.EventFailure,
		BackendName: "openai-primary",
		WorkerID:    "worker-remote",
		Metadata:    map[string]interface{}{model.MetaFailureKind: "rate_limited"},
	})
	assert.Equal(t, model.StateClosed, w.breaker(t, "openai-primary").State())
	assert.Equal(t, 0, w.breaker(t, "openai-primary").Status().FailureCount)
}

func TestSync_ColdStartLoadsSnapshot(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	a := newSyncWorker(t, "worker-a", shared, "openai-primary")
	a.start(t)
	for i := 0; i < 3; i++ {
		a.breaker(t, "openai-primary").OnFailure(model.FailureKindConnectionFailed)
	}

	// A worker joining later must pick up the persisted open state even
	// though it missed the broadcast.
	late := newSyncWorker(t, "worker-late", shared, "openai-primary")
	late.start(t)

	assert.Eventually(t, func() bool {
		return late.breaker(t, "openai-primary").State() == model.StateOpen
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, late.breaker(t, "openai-primary").Status().FailureCount)
}

func TestSync_ReconcileSkipsOwnSnapshots(t *testing.T) {
	shared := data.NewMemoryStateBackend(time.Hour, log.DefaultLogger)
	t.Cleanup(func() { _ = shared.Close() })

	w := newSyncWorker(t, "worker-a", shared, "openai-primary")
	w.start(t)

	for i := 0; i < 3; i++ {
		w.breaker(t, "openai-primary").OnFailure(model.FailureKindConnectionFailed)
	}
	require.Equal(t, model.StateOpen, w.breaker(t, "openai-primary").State())

	// Reset locally; reconcile must not resurrect the worker's own stale
	// snapshot (it carries worker-a's ID).
	w.breaker(t, "openai-primary").Reset()
	w.mgr.Reconcile(context.Background())
	assert.Equal(t, model.StateClosed, w.breaker(t, "openai-primary").State())
}
