// Package data provides data access layer implementations: the Redis and
// MySQL clients, both shared-state backends, and the transition audit log.
package data

import (
	"context"
	"time"

	"CircuitLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the Redis client used by the shared-state backend.
// It returns the client and a cleanup function. A missing or unreachable
// Redis does not prevent startup: the caller falls back to the in-memory
// backend, so this returns a nil client instead of failing.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func()) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("Redis address not configured, skipping Redis initialization")
		return nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            c.Redis.Addr,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout.AsDuration(),
		WriteTimeout:    c.Redis.WriteTimeout.AsDuration(),
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("failed to connect to Redis at %s: %v (state sync will run in-memory)", c.Redis.Addr, err)
		_ = rdb.Close()
		return nil, func() {}
	}

	helper.Infof("connected to Redis at %s", c.Redis.Addr)

	cleanup := func() {
		helper.Info("closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("failed to close Redis client: %v", err)
		}
	}
	return rdb, cleanup
}
