package data

import (
	"context"
	"sync"
	"time"

	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// subscriberBuffer bounds each subscriber's delivery queue. Publish never
// blocks; events beyond the buffer are dropped with a warning, matching the
// best-effort broadcast contract.
const subscriberBuffer = 256

// lockPollInterval is how often a waiting AcquireLock re-checks the lock.
const lockPollInterval = 5 * time.Millisecond

type memorySnapshot struct {
	snap     *model.StateSnapshot
	expireAt time.Time
}

type memoryLock struct {
	expireAt time.Time
	token    uint64
}

// MemoryStateBackend is the in-process implementation of the shared state
// contract, for single-worker deployments and tests. Events published here
// are delivered to every subscriber on its own goroutine, which is how the
// networked implementation behaves too.
type MemoryStateBackend struct {
	ttl    time.Duration
	logger *log.Helper

	mu          sync.Mutex
	states      map[string]memorySnapshot
	subscribers []chan *model.SyncEvent
	closed      bool

	lockMu    sync.Mutex
	locks     map[string]memoryLock
	lockSeq   uint64
	heldLocks map[string]uint64
}

// NewMemoryStateBackend creates an in-memory backend whose stored snapshots
// expire after ttl.
func NewMemoryStateBackend(ttl time.Duration, logger log.Logger) *MemoryStateBackend {
	return &MemoryStateBackend{
		ttl:    ttl,
		logger: log.NewHelper(logger),
		states:    make(map[string]memorySnapshot),
		locks:     make(map[string]memoryLock),
		heldLocks: make(map[string]uint64),
	}
}

// Publish delivers the event to every subscriber queue. Best-effort: a full
// queue drops the event for that subscriber.
func (m *MemoryStateBackend) Publish(_ context.Context, ev *model.SyncEvent) error {
	// Non-blocking sends, so holding the lock here is cheap and keeps
	// Close from racing a send on a closed channel.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Warnw("msg", "subscriber queue full, event dropped",
				"backend", ev.BackendName,
				"kind", ev.Kind)
		}
	}
	return nil
}

// Subscribe starts a goroutine draining a fresh queue into the handler.
// The handler never runs on a publisher's goroutine.
func (m *MemoryStateBackend) Subscribe(ctx context.Context, handler func(*model.SyncEvent)) error {
	ch := make(chan *model.SyncEvent, subscriberBuffer)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				m.removeSubscriber(ch)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handler(ev)
			}
		}
	}()
	return nil
}

// removeSubscriber drops a cancelled subscriber's queue so later publishes
// stop filling it.
func (m *MemoryStateBackend) removeSubscriber(ch chan *model.SyncEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// GetState returns the stored snapshot, honoring expiry lazily.
func (m *MemoryStateBackend) GetState(_ context.Context, backendName string) (*model.StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.states[backendName]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expireAt) {
		delete(m.states, backendName)
		return nil, nil
	}
	return entry.snap, nil
}

// SetState stores a snapshot with the configured TTL.
func (m *MemoryStateBackend) SetState(_ context.Context, snap *model.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[snap.BackendName] = memorySnapshot{
		snap:     snap,
		expireAt: time.Now().Add(m.ttl),
	}
	return nil
}

// AcquireLock polls for the named lock until it is free or wait elapses.
// Expired locks are reaped on the way, so a crashed holder never wedges it.
func (m *MemoryStateBackend) AcquireLock(ctx context.Context, name string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		m.lockMu.Lock()
		entry, held := m.locks[name]
		if held && time.Now().After(entry.expireAt) {
			held = false
		}
		if !held {
			m.lockSeq++
			m.locks[name] = memoryLock{expireAt: time.Now().Add(ttl), token: m.lockSeq}
			m.heldLocks[name] = m.lockSeq
			m.lockMu.Unlock()
			return true, nil
		}
		m.lockMu.Unlock()

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock frees the named lock, but only if this backend still holds
// it. A lock that expired and was retaken, or was never acquired here,
// stays untouched.
func (m *MemoryStateBackend) ReleaseLock(_ context.Context, name string) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	token, held := m.heldLocks[name]
	if !held {
		return nil
	}
	delete(m.heldLocks, name)
	if entry, live := m.locks[name]; live && entry.token == token {
		delete(m.locks, name)
	}
	return nil
}

// Close stops delivery to all subscribers.
func (m *MemoryStateBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	return nil
}
