package message

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the canonical category of an upstream event.
type EventKind string

const (
	KindPost         EventKind = "post"
	KindNotification EventKind = "notification"
)

// RawEvent is an event exactly as produced by a source connector: an opaque
// payload plus the source tag, the connector-local monotonic sequence number
// and the upstream cursor it was fetched at. RawEvents are discarded once
// normalized.
type RawEvent struct {
	Source  string
	Seq     uint64
	Cursor  string
	Payload []byte
}

// CanonicalEvent is the internal record relayed to sinks. It is owned by the
// relay until handed to a sink publisher and is immutable after creation.
type CanonicalEvent struct {
	ID         string            `json:"id" cbor:"id"`
	Kind       EventKind         `json:"kind" cbor:"kind"`
	ActorID    string            `json:"actorId" cbor:"actorId"`
	SubjectID  string            `json:"subjectId" cbor:"subjectId"`
	Payload    map[string]string `json:"payload" cbor:"payload"`
	ObservedAt time.Time         `json:"observedAt" cbor:"observedAt"`

	// Seq carries the originating RawEvent sequence number for end-to-end
	// ordering checks; it is not part of the published payload contract.
	Seq uint64 `json:"seq" cbor:"seq"`
}

// NewCanonicalEvent builds a canonical event with a fresh unique ID.
func NewCanonicalEvent(kind EventKind, actorID, subjectID string, payload map[string]string, observedAt time.Time) *CanonicalEvent {
	if payload == nil {
		payload = map[string]string{}
	}
	return &CanonicalEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		ActorID:    actorID,
		SubjectID:  subjectID,
		Payload:    payload,
		ObservedAt: observedAt,
	}
}
