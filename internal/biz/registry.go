package biz

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// RegistryEntry ties one registered backend to its breaker and metadata.
// The breaker is owned by the entry and never shared. The descriptor is
// guarded by the entry's own lock because SetPriority mutates it while
// orchestrated requests read it.
type RegistryEntry struct {
	mu           sync.RWMutex
	descriptor   model.BackendDescriptor
	Breaker      *CircuitBreaker
	Model        string
	RegisteredAt time.Time
}

// Descriptor returns a copy of the backend descriptor, safe to read while
// an operator reassigns the priority concurrently.
func (e *RegistryEntry) Descriptor() model.BackendDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.descriptor
}

func (e *RegistryEntry) setPriority(priority int) {
	e.mu.Lock()
	e.descriptor.Priority = priority
	e.mu.Unlock()
}

// Registry is the thread-safe map of registered backends. Its lock is
// independent of every breaker lock; no path holds both at once.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
	// listeners are attached to every breaker at registration time.
	listeners []StateChangeListener
	logger    *log.Helper
	rawLogger log.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*RegistryEntry),
		logger:    log.NewHelper(logger),
		rawLogger: logger,
	}
}

// AddListener registers a state-change observer attached to every breaker,
// including breakers of backends registered later.
func (r *Registry) AddListener(l StateChangeListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	entries := make([]*RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.Breaker.AddListener(l)
	}
}

// Register adds a backend with a fresh breaker. It fails if the name is
// taken or the priority collides with another entry. Registration does not
// start the breaker's clock; that only starts if the breaker ever opens.
func (r *Registry) Register(desc model.BackendDescriptor, modelLabel string, cfg model.BreakerConfig) (*RegistryEntry, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("backend name is required")
	}

	breaker, err := NewCircuitBreaker(desc.Name, cfg, r.rawLogger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.entries[desc.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("backend %q is already registered", desc.Name)
	}
	for _, e := range r.entries {
		if d := e.Descriptor(); d.Priority == desc.Priority {
			r.mu.Unlock()
			return nil, fmt.Errorf("priority %d is already taken by backend %q", desc.Priority, d.Name)
		}
	}
	entry := &RegistryEntry{
		descriptor:   desc,
		Breaker:      breaker,
		Model:        modelLabel,
		RegisteredAt: time.Now(),
	}
	r.entries[desc.Name] = entry
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		breaker.AddListener(l)
	}

	r.logger.Infow("msg", "backend registered",
		"backend", desc.Name,
		"model", modelLabel,
		"priority", desc.Priority)
	return entry, nil
}

// Unregister removes a backend and its breaker.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("backend %q is not registered", name)
	}
	delete(r.entries, name)
	return nil
}

// Get returns the entry for a backend name.
func (r *Registry) Get(name string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// GetBreaker returns the breaker for a backend name.
func (r *Registry) GetBreaker(name string) (*CircuitBreaker, bool) {
	e, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return e.Breaker, true
}

// Names returns all registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ListByPriority returns entries sorted ascending by priority. With
// onlyAvailable, entries whose breaker is open (and still inside its
// recovery timeout) are excluded; filtering never reorders the remainder.
func (r *Registry) ListByPriority(onlyAvailable bool) []*RegistryEntry {
	r.mu.RLock()
	entries := make([]*RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Descriptor().Priority < entries[j].Descriptor().Priority
	})

	if !onlyAvailable {
		return entries
	}
	available := entries[:0]
	for _, e := range entries {
		if e.Breaker.available() {
			available = append(available, e)
		}
	}
	return available
}

// SetPriority overrides a backend's priority. Operator control.
func (r *Registry) SetPriority(name string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("backend %q is not registered", name)
	}
	for _, e := range r.entries {
		if d := e.Descriptor(); d.Name != name && d.Priority == priority {
			return fmt.Errorf("priority %d is already taken by backend %q", priority, d.Name)
		}
	}
	entry.setPriority(priority)
	r.logger.Infow("msg", "backend priority overridden", "backend", name, "priority", priority)
	return nil
}

// ResetBreaker forces one breaker closed. Operator control.
func (r *Registry) ResetBreaker(name string) error {
	breaker, ok := r.GetBreaker(name)
	if !ok {
		return fmt.Errorf("backend %q is not registered", name)
	}
	breaker.Reset()
	return nil
}

// ResetAll forces every breaker closed and returns how many were reset.
func (r *Registry) ResetAll() int {
	entries := r.ListByPriority(false)
	for _, e := range entries {
		e.Breaker.Reset()
	}
	return len(entries)
}
