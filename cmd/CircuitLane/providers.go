package main

import (
	"CircuitLane/internal/biz"
	"CircuitLane/internal/conf"
	"CircuitLane/internal/model"
	"CircuitLane/pkg/identity"

	"github.com/go-kratos/kratos/v2/log"
)

// provideWorkerID derives this process's worker identity.
func provideWorkerID() string {
	return identity.NewWorkerID().String()
}

// newRegistry builds the backend registry from configuration and attaches
// the transition audit listener. Config-declared backends carry no
// invocation; callers attach one at runtime, while the breakers already
// participate in state sync and the operator API.
func newRegistry(backends []*conf.Backend, audit biz.TransitionAudit, workerID string, logger log.Logger) (*biz.Registry, error) {
	registry := biz.NewRegistry(logger)
	registry.AddListener(biz.NewAuditListener(registry, audit, workerID))

	for _, b := range backends {
		kinds := make([]model.FailureKind, 0, len(b.Breaker.CountedFailureKinds))
		for _, k := range b.Breaker.CountedFailureKinds {
			kinds = append(kinds, model.FailureKind(k))
		}
		cfg := model.BreakerConfig{
			FailureThreshold:    b.Breaker.FailureThreshold,
			RecoveryTimeout:     b.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls:    b.Breaker.HalfOpenMaxCalls,
			CountedFailureKinds: kinds,
		}
		desc := model.BackendDescriptor{
			Name:     b.Name,
			Priority: b.Priority,
		}
		if _, err := registry.Register(desc, b.Model, cfg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
