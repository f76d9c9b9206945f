package data

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CircuitLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockRetryInterval is how often a waiting AcquireLock retries SETNX.
const lockRetryInterval = 25 * time.Millisecond

// RedisStateBackend carries breaker state across workers through one Redis
// instance: a pub/sub channel for event broadcast, TTL'd keys for
// last-known snapshots, and SETNX-with-expiry for distributed locks. Keys
// are namespaced by a configurable prefix so independent deployments can
// share a broker.
type RedisStateBackend struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *log.Helper

	mu     sync.Mutex
	pubsub *redis.PubSub
	// tokens maps lock name to the value we set, so release only deletes
	// locks this instance actually holds.
	tokens map[string]string
}

// NewRedisStateBackend creates a backend over an existing Redis client.
func NewRedisStateBackend(rdb *redis.Client, prefix string, ttl time.Duration, logger log.Logger) *RedisStateBackend {
	return &RedisStateBackend{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: log.NewHelper(logger),
		tokens: make(map[string]string),
	}
}

func (r *RedisStateBackend) channel() string {
	return r.prefix + ":events"
}

func (r *RedisStateBackend) stateKey(backendName string) string {
	return fmt.Sprintf("%s:state:%s", r.prefix, backendName)
}

func (r *RedisStateBackend) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, name)
}

// Publish broadcasts the msgpack-encoded event on the shared channel.
func (r *RedisStateBackend) Publish(ctx context.Context, ev *model.SyncEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}
	return nil
}

// Subscribe opens the pub/sub channel and drains it into the handler on a
// dedicated goroutine. Undecodable payloads are logged and skipped.
func (r *RedisStateBackend) Subscribe(ctx context.Context, handler func(*model.SyncEvent)) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel())
	// Force the subscription to be established before returning, so events
	// published right after Subscribe are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel(), err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := model.DecodeSyncEvent([]byte(msg.Payload))
				if err != nil {
					r.logger.Warnw("msg", "undecodable sync event skipped", "error", err)
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}

// GetState reads the last persisted snapshot. Expiry is Redis-side TTL.
func (r *RedisStateBackend) GetState(ctx context.Context, backendName string) (*model.StateSnapshot, error) {
	data, err := r.rdb.Get(ctx, r.stateKey(backendName)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %q: %w", backendName, err)
	}
	return model.DecodeStateSnapshot(data)
}

// SetState persists the snapshot under the namespaced key with the
// configured TTL so stale entries self-expire.
func (r *RedisStateBackend) SetState(ctx context.Context, snap *model.StateSnapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.stateKey(snap.BackendName), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist snapshot for %q: %w", snap.BackendName, err)
	}
	return nil
}

// AcquireLock takes the named lock with SETNX-and-expiry, retrying until
// wait elapses. The expiry guarantees a crashed holder cannot wedge it.
func (r *RedisStateBackend) AcquireLock(ctx context.Context, name string, ttl, wait time.Duration) (bool, error) {
	token := uuid.NewString()
	key := r.lockKey(name)
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
		}
		if ok {
			r.mu.Lock()
			r.tokens[name] = token
			r.mu.Unlock()
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// ReleaseLock deletes the lock only if this instance still holds it. The
// check-then-delete is not atomic; the TTL bounds the damage of the race,
// and locks here only serialize advisory snapshot writes.
func (r *RedisStateBackend) ReleaseLock(ctx context.Context, name string) error {
	r.mu.Lock()
	token, held := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !held {
		return nil
	}

	key := r.lockKey(name)
	current, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %q: %w", name, err)
	}
	if current != token {
		return nil
	}
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}

// Close tears down the subscription. The Redis client itself is owned by
// the data layer and closed by its cleanup.
func (r *RedisStateBackend) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
