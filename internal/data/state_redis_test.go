package data

import (
	"context"
	"testing"
	"time"

	"CircuitLane/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisFixture(t *testing.T, prefix string) (*miniredis.Miniredis, *RedisStateBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := NewRedisStateBackend(rdb, prefix, time.Minute, log.DefaultLogger)
	t.Cleanup(func() { _ = backend.Close() })
	return mr, backend
}

func TestRedisBackend_PubSubRoundTrip(t *testing.T) {
	_, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	var c eventCollector
	require.NoError(t, backend.Subscribe(ctx, c.Handler()))

	ev := testEvent("ev-redis-1")
	ev.Metadata = map[string]interface{}{
		model.MetaFailureCount: int64(4),
		model.MetaReason:       "failure threshold reached",
	}
	require.NoError(t, backend.Publish(ctx, ev))

	assert.Eventually(t, func() bool { return c.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := c.First()
	assert.Equal(t, "ev-redis-1", got.ID)
	assert.Equal(t, model.EventOpened, got.Kind)
	assert.Equal(t, "openai-primary", got.BackendName)
	n, ok := got.MetaInt(model.MetaFailureCount)
	require.True(t, ok)
	assert.Equal(t, 4, n)
}

func TestRedisBackend_UndecodablePayloadSkipped(t *testing.T) {
	mr, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	var c eventCollector
	require.NoError(t, backend.Subscribe(ctx, c.Handler()))

	// Garbage on the channel is logged and skipped, later events still flow.
	mr.Publish("testlane:events", "not msgpack")
	require.NoError(t, backend.Publish(ctx, testEvent("ev-good")))

	assert.Eventually(t, func() bool { return c.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ev-good", c.First().ID)
}

func TestRedisBackend_StateRoundTrip(t *testing.T) {
	mr, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	got, err := backend.GetState(ctx, "openai-primary")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := &model.StateSnapshot{
		BackendName:    "openai-primary",
		State:          model.StateHalfOpen,
		FailureCount:   3,
		SuccessCount:   1,
		StateChangedAt: model.FormatTime(time.Now().UTC()),
		WorkerID:       "worker-a",
		CapturedAt:     model.FormatTime(time.Now().UTC()),
	}
	require.NoError(t, backend.SetState(ctx, snap))

	// Stored under the namespaced key.
	assert.True(t, mr.Exists("testlane:state:openai-primary"))

	got, err = backend.GetState(ctx, "openai-primary")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StateHalfOpen, got.State)
	assert.Equal(t, 3, got.FailureCount)
	assert.Equal(t, "worker-a", got.WorkerID)
}

func TestRedisBackend_StateExpires(t *testing.T) {
	mr, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	snap := &model.StateSnapshot{
		BackendName:    "openai-primary",
		State:          model.StateOpen,
		StateChangedAt: model.FormatTime(time.Now().UTC()),
	}
	require.NoError(t, backend.SetState(ctx, snap))

	mr.FastForward(2 * time.Minute)

	got, err := backend.GetState(ctx, "openai-primary")
	require.NoError(t, err)
	assert.Nil(t, got, "snapshot should expire with the key TTL")
}

func TestRedisBackend_Locking(t *testing.T) {
	_, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	ok, err := backend.AcquireLock(ctx, "state-write:openai-primary", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = backend.AcquireLock(ctx, "state-write:openai-primary", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.ReleaseLock(ctx, "state-write:openai-primary"))
	ok, err = backend.AcquireLock(ctx, "state-write:openai-primary", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisBackend_LockExpiresWithTTL(t *testing.T) {
	mr, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	ok, err := backend.AcquireLock(ctx, "state-write:openai-primary", 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(10 * time.Second)

	ok, err = backend.AcquireLock(ctx, "state-write:openai-primary", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable without a release")
}

func TestRedisBackend_ReleaseForeignLockIsNoop(t *testing.T) {
	mr, backend := newRedisFixture(t, "testlane")
	ctx := context.Background()

	// A lock this instance never acquired stays put.
	mr.Set("testlane:lock:state-write:openai-primary", "someone-else")
	require.NoError(t, backend.ReleaseLock(ctx, "state-write:openai-primary"))
	assert.True(t, mr.Exists("testlane:lock:state-write:openai-primary"))
}

func TestRedisBackend_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	blue := NewRedisStateBackend(rdb, "blue", time.Minute, log.DefaultLogger)
	green := NewRedisStateBackend(rdb, "green", time.Minute, log.DefaultLogger)
	t.Cleanup(func() { _ = blue.Close() })
	t.Cleanup(func() { _ = green.Close() })
	ctx := context.Background()

	var blueEvents, greenEvents eventCollector
	require.NoError(t, blue.Subscribe(ctx, blueEvents.Handler()))
	require.NoError(t, green.Subscribe(ctx, greenEvents.Handler()))

	require.NoError(t, blue.Publish(ctx, testEvent("ev-blue")))

	assert.Eventually(t, func() bool { return blueEvents.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, greenEvents.Len(), "events must not cross key prefixes")

	// Snapshots are namespaced the same way.
	snap := &model.StateSnapshot{
		BackendName:    "openai-primary",
		State:          model.StateOpen,
		StateChangedAt: model.FormatTime(time.Now().UTC()),
	}
	require.NoError(t, blue.SetState(ctx, snap))
	got, err := green.GetState(ctx, "openai-primary")
	require.NoError(t, err)
	assert.Nil(t, got)
}
