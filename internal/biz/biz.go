package biz

import (
	"time"

	"CircuitLane/internal/conf"
	"CircuitLane/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewFailoverOrchestrator,
	NewSyncManager,
	NewSharedState,
	// Import data layer providers and bind them to biz interfaces.
	data.NewAuditLogger,
	wire.Bind(new(TransitionAudit), new(*data.AuditLoggerImpl)),
)

// NewSharedState selects the shared-state implementation: Redis-backed when
// a Redis client is up, in-memory otherwise (single-worker deployments, or
// degraded mode when Redis is unreachable at startup).
func NewSharedState(c *conf.Sync, rdb *redis.Client, logger log.Logger) SharedStateBackend {
	helper := log.NewHelper(logger)

	keyPrefix := "circuitlane"
	stateTTL := time.Hour
	if c != nil {
		if c.KeyPrefix != "" {
			keyPrefix = c.KeyPrefix
		}
		if c.StateTTL != nil && c.StateTTL.AsDuration() > 0 {
			stateTTL = c.StateTTL.AsDuration()
		}
	}

	if rdb == nil {
		helper.Warn("Redis unavailable, using in-memory shared state (single-worker mode)")
		return data.NewMemoryStateBackend(stateTTL, logger)
	}

	helper.Infof("using Redis shared state with key prefix %q", keyPrefix)
	return data.NewRedisStateBackend(rdb, keyPrefix, stateTTL, logger)
}
