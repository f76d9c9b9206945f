package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncEvent_RoundTrip_AllKinds(t *testing.T) {
	kinds := []EventKind{EventOpened, EventClosed, EventHalfOpen, EventFailure, EventSuccess}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			ev := &SyncEvent{
				ID:          "evt-1234",
				Kind:        kind,
				BackendName: "claude-primary",
				WorkerID:    "host-1-100-1700000000-abcd",
				Timestamp:   FormatTime(time.Now()),
			}

			data, err := ev.Encode()
			require.NoError(t, err)

			decoded, err := DecodeSyncEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestSyncEvent_RoundTrip_NestedMetadata(t *testing.T) {
	ev := &SyncEvent{
		ID:          "evt-nested",
		Kind:        EventOpened,
		BackendName: "openai-fallback",
		WorkerID:    "worker-a",
		Timestamp:   FormatTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Metadata: map[string]interface{}{
			"reason": "failure threshold reached",
			"labels": []interface{}{"production", "tier-1"},
			"detail": map[string]interface{}{
				"region": "us-east",
				"tags":   []interface{}{"canary"},
			},
		},
	}

	data, err := ev.Encode()
	require.NoError(t, err)

	decoded, err := DecodeSyncEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestSyncEvent_MetaInt(t *testing.T) {
	ev := &SyncEvent{
		ID:          "evt-counts",
		Kind:        EventOpened,
		BackendName: "b",
		WorkerID:    "w",
		Timestamp:   FormatTime(time.Now()),
		Metadata: map[string]interface{}{
			MetaFailureCount: int64(3),
			MetaSuccessCount: int64(0),
		},
	}

	data, err := ev.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSyncEvent(data)
	require.NoError(t, err)

	failures, ok := decoded.MetaInt(MetaFailureCount)
	require.True(t, ok)
	assert.Equal(t, 3, failures)

	successes, ok := decoded.MetaInt(MetaSuccessCount)
	require.True(t, ok)
	assert.Equal(t, 0, successes)

	_, ok = decoded.MetaInt("missing")
	assert.False(t, ok)
}

func TestDecodeSyncEvent_UnknownKind(t *testing.T) {
	ev := &SyncEvent{
		ID:          "evt-bad",
		Kind:        EventKind("exploded"),
		BackendName: "b",
		WorkerID:    "w",
	}

	_, err := ev.Encode()
	assert.Error(t, err)

	// Force the bad kind through a raw encode to exercise the decode gate.
	raw := *ev
	raw.Kind = EventOpened
	data, err := raw.Encode()
	require.NoError(t, err)

	decoded, err := DecodeSyncEvent(data)
	require.NoError(t, err)
	decoded.Kind = EventKind("exploded")
	reEncoded, err := decoded.Encode()
	assert.Error(t, err)
	assert.Nil(t, reEncoded)
}

func TestDecodeSyncEvent_Garbage(t *testing.T) {
	_, err := DecodeSyncEvent([]byte("not msgpack at all"))
	assert.Error(t, err)
}

func TestSyncEvent_TransitionHelpers(t *testing.T) {
	cases := []struct {
		kind       EventKind
		transition bool
		target     CircuitState
	}{
		{EventOpened, true, StateOpen},
		{EventClosed, true, StateClosed},
		{EventHalfOpen, true, StateHalfOpen},
		{EventFailure, false, StateClosed},
		{EventSuccess, false, StateClosed},
	}

	for _, tc := range cases {
		ev := &SyncEvent{Kind: tc.kind}
		assert.Equal(t, tc.transition, ev.IsTransition(), "kind %s", tc.kind)
		target, ok := ev.TargetState()
		assert.Equal(t, tc.transition, ok, "kind %s", tc.kind)
		if ok {
			assert.Equal(t, tc.target, target, "kind %s", tc.kind)
		}
	}
}

func TestStateSnapshot_RoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 123456789, time.UTC)
	snap := &StateSnapshot{
		BackendName:    "claude-primary",
		State:          StateOpen,
		FailureCount:   5,
		SuccessCount:   0,
		LastFailureAt:  FormatTime(now),
		OpenedAt:       FormatTime(now),
		StateChangedAt: FormatTime(now),
		WorkerID:       "worker-a",
		CapturedAt:     FormatTime(now.Add(time.Second)),
	}

	data, err := snap.Encode()
	require.NoError(t, err)

	decoded, err := DecodeStateSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)

	changed, err := decoded.ChangedAt()
	require.NoError(t, err)
	assert.True(t, changed.Equal(now))
}

func TestFormatTime_Zero(t *testing.T) {
	assert.Equal(t, "", FormatTime(time.Time{}))

	parsed, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, parsed.IsZero())
}

func TestParseCircuitState(t *testing.T) {
	for _, s := range []CircuitState{StateClosed, StateOpen, StateHalfOpen} {
		parsed, err := ParseCircuitState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseCircuitState("wedged")
	assert.Error(t, err)
}

func TestBreakerConfig_Validate(t *testing.T) {
	valid := BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 2}
	assert.NoError(t, valid.Validate())

	cases := []BreakerConfig{
		{FailureThreshold: 0, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1},
		{FailureThreshold: 1, RecoveryTimeout: 0, HalfOpenMaxCalls: 1},
		{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 0},
	}
	for i, cfg := range cases {
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestBreakerConfig_Counts(t *testing.T) {
	open := BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}
	assert.True(t, open.Counts(FailureKindRateLimited))
	assert.True(t, open.Counts(FailureKindUnknown))

	restricted := open
	restricted.CountedFailureKinds = []FailureKind{FailureKindConnectionFailed, FailureKindRateLimited}
	assert.True(t, restricted.Counts(FailureKindConnectionFailed))
	assert.False(t, restricted.Counts(FailureKindAuthFailed))
}
