package model

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventKind discriminates the sync event payloads on the wire.
type EventKind string

const (
	// EventOpened, EventClosed and EventHalfOpen announce a breaker state
	// transition and are replayed by remote workers.
	EventOpened   EventKind = "opened"
	EventClosed   EventKind = "closed"
	EventHalfOpen EventKind = "half_open"
	// EventFailure and EventSuccess are informational call outcomes.
	// Remote workers never derive transitions from them.
	EventFailure EventKind = "failure"
	EventSuccess EventKind = "success"
)

// Metadata keys carried on transition events.
const (
	MetaFailureCount = "failure_count"
	MetaSuccessCount = "success_count"
	MetaFailureKind  = "failure_kind"
	MetaReason       = "reason"
)

// timeLayout is the wire format for every datetime field. Absolute,
// timezone-aware, so workers in different zones agree.
const timeLayout = time.RFC3339Nano

// FormatTime renders t for the wire. Zero renders as the empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// SyncEvent is the immutable record broadcast to every worker when a local
// breaker transitions or reports a call outcome. It is created once,
// published once, never mutated. Delivery is best-effort and at-least-once;
// consumers must treat it idempotently.
type SyncEvent struct {
	// ID is unique per event and drives duplicate suppression.
	ID          string    `msgpack:"id" json:"id"`
	Kind        EventKind `msgpack:"kind" json:"kind"`
	BackendName string    `msgpack:"backend_name" json:"backend_name"`
	WorkerID    string    `msgpack:"worker_id" json:"worker_id"`
	// Timestamp is the creation instant in FormatTime encoding.
	Timestamp string                 `msgpack:"timestamp" json:"timestamp"`
	Metadata  map[string]interface{} `msgpack:"metadata,omitempty" json:"metadata,omitempty"`
}

// validEventKinds gates decoding; an unknown discriminator is a hard error
// rather than a silently mis-typed event.
var validEventKinds = map[EventKind]struct{}{
	EventOpened:   {},
	EventClosed:   {},
	EventHalfOpen: {},
	EventFailure:  {},
	EventSuccess:  {},
}

// IsTransition reports whether the event announces a state change.
func (e *SyncEvent) IsTransition() bool {
	switch e.Kind {
	case EventOpened, EventClosed, EventHalfOpen:
		return true
	default:
		return false
	}
}

// TargetState maps a transition event to the state it announces.
func (e *SyncEvent) TargetState() (CircuitState, bool) {
	switch e.Kind {
	case EventOpened:
		return StateOpen, true
	case EventClosed:
		return StateClosed, true
	case EventHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, false
	}
}

// OccurredAt parses the event timestamp.
func (e *SyncEvent) OccurredAt() (time.Time, error) {
	return ParseTime(e.Timestamp)
}

// MetaInt reads an integer metadata value regardless of the concrete
// integer width the decoder produced.
func (e *SyncEvent) MetaInt(key string) (int, bool) {
	v, ok := e.Metadata[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Encode serializes the event with msgpack.
func (e *SyncEvent) Encode() ([]byte, error) {
	if _, ok := validEventKinds[e.Kind]; !ok {
		return nil, fmt.Errorf("cannot encode sync event with unknown kind %q", e.Kind)
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync event: %w", err)
	}
	return data, nil
}

// DecodeSyncEvent deserializes an event and validates its discriminator.
func DecodeSyncEvent(data []byte) (*SyncEvent, error) {
	var e SyncEvent
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode sync event: %w", err)
	}
	if _, ok := validEventKinds[e.Kind]; !ok {
		return nil, fmt.Errorf("decoded sync event has unknown kind %q", e.Kind)
	}
	if e.BackendName == "" {
		return nil, fmt.Errorf("decoded sync event has no backend name")
	}
	return &e, nil
}

// StateSnapshot is the full breaker state persisted to shared storage for
// cold-start catch-up. It is distinct from the event stream, which only
// carries transitions seen after a worker started listening.
type StateSnapshot struct {
	BackendName  string       `msgpack:"backend_name" json:"backend_name"`
	State        CircuitState `msgpack:"state" json:"state"`
	FailureCount int          `msgpack:"failure_count" json:"failure_count"`
	SuccessCount int          `msgpack:"success_count" json:"success_count"`
	// Datetime fields use FormatTime encoding; empty means unset.
	LastFailureAt  string `msgpack:"last_failure_at,omitempty" json:"last_failure_at,omitempty"`
	OpenedAt       string `msgpack:"opened_at,omitempty" json:"opened_at,omitempty"`
	StateChangedAt string `msgpack:"state_changed_at" json:"state_changed_at"`
	// WorkerID identifies the worker that captured the snapshot.
	WorkerID   string `msgpack:"worker_id" json:"worker_id"`
	CapturedAt string `msgpack:"captured_at" json:"captured_at"`
}

// ChangedAt parses the state-change instant used for newer-than comparison.
func (s *StateSnapshot) ChangedAt() (time.Time, error) {
	return ParseTime(s.StateChangedAt)
}

// Encode serializes the snapshot with msgpack.
func (s *StateSnapshot) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	return data, nil
}

// DecodeStateSnapshot deserializes a snapshot.
func DecodeStateSnapshot(data []byte) (*StateSnapshot, error) {
	var s StateSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	if s.BackendName == "" {
		return nil, fmt.Errorf("decoded state snapshot has no backend name")
	}
	return &s, nil
}
