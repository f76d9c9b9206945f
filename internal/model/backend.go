package model

import "context"

// Invocation is the opaque handle that actually calls a backend. Adapters
// build it; the breaker and orchestrator only run it and classify the
// returned error.
type Invocation func(ctx context.Context) (interface{}, error)

// BackendDescriptor identifies one upstream completion backend.
type BackendDescriptor struct {
	// Name is the unique registry key.
	Name string
	// Priority orders failover; lower is tried first. Unique across the
	// registry.
	Priority int
	// Invoke performs the backend call. May be nil for backends that are
	// registered for the status/sync plane only.
	Invoke Invocation
}
