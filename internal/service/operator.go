package service

import (
	"context"
	"time"

	"CircuitLane/internal/biz"
	"CircuitLane/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// BreakerView is the operator API representation of one registered backend
// and its breaker.
type BreakerView struct {
	model.BreakerStatus

	Model        string    `json:"model,omitempty"`
	Priority     int       `json:"priority"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ResetResult reports the outcome of a reset operation.
type ResetResult struct {
	Reset int `json:"reset"`
}

// HealthView is the response of the health endpoint.
type HealthView struct {
	Status    string `json:"status"`
	WorkerID  string `json:"worker_id"`
	Backends  int    `json:"backends"`
	Available int    `json:"available"`
}

// OperatorService implements the operator HTTP API: breaker inspection,
// resets, priority changes and request statistics.
type OperatorService struct {
	registry *biz.Registry
	orch     *biz.FailoverOrchestrator
	mgr      *biz.SyncManager
	logger   *log.Helper
}

// NewOperatorService creates a new OperatorService instance.
func NewOperatorService(registry *biz.Registry, orch *biz.FailoverOrchestrator, mgr *biz.SyncManager, logger log.Logger) *OperatorService {
	return &OperatorService{
		registry: registry,
		orch:     orch,
		mgr:      mgr,
		logger:   log.NewHelper(logger),
	}
}

// ListBreakers returns every registered backend in priority order.
func (s *OperatorService) ListBreakers(ctx context.Context) []*BreakerView {
	entries := s.registry.ListByPriority(false)

	views := make([]*BreakerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	return views
}

// GetBreaker returns the breaker view for one backend.
func (s *OperatorService) GetBreaker(ctx context.Context, name string) (*BreakerView, error) {
	entry, ok := s.registry.Get(name)
	if !ok {
		return nil, kerrors.NotFound("BACKEND_NOT_FOUND", "backend not registered: "+name)
	}
	return viewOf(entry), nil
}

// ResetBreaker forces one breaker back to its initial closed state.
func (s *OperatorService) ResetBreaker(ctx context.Context, name string) (*BreakerView, error) {
	if err := s.registry.ResetBreaker(name); err != nil {
		return nil, kerrors.NotFound("BACKEND_NOT_FOUND", err.Error())
	}
	s.logger.Infow("msg", "breaker reset by operator", "backend", name)

	entry, _ := s.registry.Get(name)
	return viewOf(entry), nil
}

// ResetAll resets every registered breaker and returns how many were reset.
func (s *OperatorService) ResetAll(ctx context.Context) *ResetResult {
	n := s.registry.ResetAll()
	s.logger.Infow("msg", "all breakers reset by operator", "count", n)
	return &ResetResult{Reset: n}
}

// SetPriority changes the failover priority of one backend. Priorities
// stay unique across the registry.
func (s *OperatorService) SetPriority(ctx context.Context, name string, priority int) (*BreakerView, error) {
	if priority < 0 {
		return nil, kerrors.BadRequest("INVALID_PRIORITY", "priority must be non-negative")
	}
	if _, ok := s.registry.Get(name); !ok {
		return nil, kerrors.NotFound("BACKEND_NOT_FOUND", "backend not registered: "+name)
	}
	if err := s.registry.SetPriority(name, priority); err != nil {
		return nil, kerrors.BadRequest("PRIORITY_CONFLICT", err.Error())
	}
	s.logger.Infow("msg", "backend priority changed", "backend", name, "priority", priority)

	entry, _ := s.registry.Get(name)
	return viewOf(entry), nil
}

// Stats returns the orchestrator request statistics.
func (s *OperatorService) Stats(ctx context.Context) biz.OrchestratorStats {
	return s.orch.Stats()
}

// Health reports process liveness with a summary of backend availability.
func (s *OperatorService) Health(ctx context.Context) *HealthView {
	total := s.registry.Len()
	available := len(s.registry.ListByPriority(true))

	status := "ok"
	if total > 0 && available == 0 {
		status = "degraded"
	}

	return &HealthView{
		Status:    status,
		WorkerID:  s.mgr.WorkerID(),
		Backends:  total,
		Available: available,
	}
}

func viewOf(e *biz.RegistryEntry) *BreakerView {
	return &BreakerView{
		BreakerStatus: e.Breaker.Status(),
		Model:         e.Model,
		Priority:      e.Descriptor().Priority,
		RegisteredAt:  e.RegisteredAt,
	}
}
