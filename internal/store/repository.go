/**
 * @description
 * This file defines the storage contracts of the ledger-service: the append-only
 * event log, the snapshot store and the transaction history projection. The command
 * shell only talks to these interfaces, so Postgres, Redis and the in-memory
 * implementations are interchangeable.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/google/uuid: Account identifiers.
 * - internal/domain: Event envelope and projection rows.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidAppend    = errors.New("invalid append")
)

// EventStore is the append-only log of every aggregate stream.
type EventStore interface {
	// Append writes events to stream iff the stream is currently at expectedVersion.
	// Events must carry versions expectedVersion+1 .. expectedVersion+len(events).
	// A stale expectedVersion fails with domain.ErrConcurrencyConflict.
	Append(ctx context.Context, stream domain.StreamID, expectedVersion int64, events []domain.Event) error
	// Load returns the events of stream with a version greater than fromVersion, in order.
	Load(ctx context.Context, stream domain.StreamID, fromVersion int64) ([]domain.Event, error)
}

// StreamVersion is the head of one stream.
type StreamVersion struct {
	Stream  domain.StreamID
	Version int64
}

// StreamCatalog lists known streams for background jobs.
type StreamCatalog interface {
	ListStreams(ctx context.Context, limit int) ([]StreamVersion, error)
}

// Snapshot is a serialized aggregate state at a given stream version.
type Snapshot struct {
	Stream  domain.StreamID `json:"stream"`
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
	TakenAt time.Time       `json:"taken_at"`
}

// SnapshotStore keeps the latest known state per stream.
type SnapshotStore interface {
	LoadLatest(ctx context.Context, stream domain.StreamID) (*Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// ProjectionRepository stores the transaction history read model.
type ProjectionRepository interface {
	// InsertTransactions stores rows and ignores those already present. It returns
	// the number of rows actually inserted.
	InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error)
	FindTransactionsByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
}

// checkAppend validates the shape of an append before it reaches storage.
func checkAppend(stream domain.StreamID, expectedVersion int64, events []domain.Event) error {
	if expectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version %d", ErrInvalidAppend, expectedVersion)
	}
	for i, e := range events {
		if e.Stream != stream {
			return fmt.Errorf("%w: event %s belongs to %s", ErrInvalidAppend, e.ID, e.Stream)
		}
		if want := expectedVersion + int64(i) + 1; e.Version != want {
			return fmt.Errorf("%w: event %s has version %d, want %d", ErrInvalidAppend, e.ID, e.Version, want)
		}
	}
	return nil
}

func conflict(stream domain.StreamID, expected, actual int64) error {
	return fmt.Errorf("%w: %s expected version %d, found %d", domain.ErrConcurrencyConflict, stream, expected, actual)
}

// Page normalises history paging arguments.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
