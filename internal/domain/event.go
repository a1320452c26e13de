/**
 * @description
 * This file defines the immutable event envelope persisted by the ledger. Every state
 * change of an aggregate is recorded as one Event in that aggregate's stream; the
 * stream alone is sufficient to rebuild the aggregate.
 *
 * @notes
 * - OccurredAt is truncated to microseconds because that is the resolution the
 *   Postgres event store keeps. Hashes bind the timestamp, so it must survive a
 *   round trip unchanged.
 * - Version is assigned by the command shell immediately before an append and is
 *   the optimistic concurrency token for the stream.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the payload schema written by this build.
const SchemaVersion = 1

// AggregateType names an event stream family.
type AggregateType string

const (
	AggregateBalance  AggregateType = "balance"
	AggregateTransfer AggregateType = "transfer"
	AggregateAccount  AggregateType = "account"
)

// StreamID identifies one aggregate's event stream. The same account id owns a
// balance, a transfer and an account stream.
type StreamID struct {
	Type AggregateType `json:"aggregate_type"`
	ID   uuid.UUID     `json:"aggregate_id"`
}

func (s StreamID) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// Event is a single immutable fact in a stream.
type Event struct {
	ID            uuid.UUID
	Stream        StreamID
	Version       int64
	Type          EventType
	SchemaVersion int
	Payload       Payload
	Metadata      map[string]string
	OccurredAt    time.Time
}

// NewEvent wraps a payload for the given stream. The version is left at zero.
func NewEvent(stream StreamID, payload Payload, metadata map[string]string, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Stream:        stream,
		Type:          payload.EventType(),
		SchemaVersion: SchemaVersion,
		Payload:       payload,
		Metadata:      cloneMetadata(metadata),
		OccurredAt:    Timestamp(at),
	}
}

// Timestamp normalises t to the precision stored by the event log.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type eventJSON struct {
	ID            uuid.UUID         `json:"id"`
	AggregateType AggregateType     `json:"aggregate_type"`
	AggregateID   uuid.UUID         `json:"aggregate_id"`
	Version       int64             `json:"version"`
	Type          EventType         `json:"type"`
	SchemaVersion int               `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:            e.ID,
		AggregateType: e.Stream.Type,
		AggregateID:   e.Stream.ID,
		Version:       e.Version,
		Type:          e.Type,
		SchemaVersion: e.SchemaVersion,
		Payload:       payload,
		Metadata:      e.Metadata,
		OccurredAt:    e.OccurredAt,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:            raw.ID,
		Stream:        StreamID{Type: raw.AggregateType, ID: raw.AggregateID},
		Version:       raw.Version,
		Type:          raw.Type,
		SchemaVersion: raw.SchemaVersion,
		Payload:       payload,
		Metadata:      raw.Metadata,
		OccurredAt:    raw.OccurredAt,
	}
	return nil
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Clone returns a copy of e that shares no mutable state with it.
func (e Event) Clone() Event {
	e.Metadata = cloneMetadata(e.Metadata)
	return e
}
