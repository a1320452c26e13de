/**
 * @description
 * This file provides the PostgreSQL implementation of the event log. Each stream has
 * one row in `ledger_streams` holding its head version; appends advance that row with
 * a compare-and-set inside the same transaction that inserts the events, so two
 * writers racing on one stream cannot both succeed.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, batches and error codes.
 * - internal/domain: Event envelope and payload codec.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	_ EventStore    = (*PostgresEventStore)(nil)
	_ StreamCatalog = (*PostgresEventStore)(nil)
)

// PostgresEventStore is the durable EventStore.
type PostgresEventStore struct {
	db *pgxpool.Pool
}

func NewPostgresEventStore(db *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Append advances the stream head and inserts the events atomically.
func (s *PostgresEventStore) Append(ctx context.Context, stream domain.StreamID, expectedVersion int64, events []domain.Event) error {
	if err := checkAppend(stream, expectedVersion, events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	newVersion := expectedVersion + int64(len(events))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO ledger_streams (aggregate_type, aggregate_id, version, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (aggregate_type, aggregate_id) DO NOTHING`,
			string(stream.Type), stream.ID, newVersion)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE ledger_streams SET version = $3, updated_at = NOW()
			WHERE aggregate_type = $1 AND aggregate_id = $2 AND version = $4`,
			string(stream.Type), stream.ID, newVersion, expectedVersion)
	}
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return conflict(stream, expectedVersion, s.headVersion(ctx, tx, stream))
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := domain.EncodePayload(e.Payload)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO ledger_events
				(id, aggregate_type, aggregate_id, version, event_type, schema_version, payload, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, string(stream.Type), stream.ID, e.Version, string(e.Type), e.SchemaVersion, string(payload), string(metadata), e.OccurredAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapPgError(err)
		}
	}
	if err := br.Close(); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s *PostgresEventStore) headVersion(ctx context.Context, tx pgx.Tx, stream domain.StreamID) int64 {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ledger_streams WHERE aggregate_type = $1 AND aggregate_id = $2`,
		string(stream.Type), stream.ID).Scan(&version)
	if err != nil {
		return -1
	}
	return version
}

// Load reads the events of stream after fromVersion in version order.
func (s *PostgresEventStore) Load(ctx context.Context, stream domain.StreamID, fromVersion int64) ([]domain.Event, error) {
	query := `
		SELECT id, version, event_type, schema_version, payload, metadata, occurred_at
		FROM ledger_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC
	`
	rows, err := s.db.Query(ctx, query, string(stream.Type), stream.ID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Version, &e.Type, &e.SchemaVersion, &payload, &metadata, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Stream = stream
		e.OccurredAt = domain.Timestamp(e.OccurredAt)
		if e.Payload, err = domain.DecodePayload(e.Type, payload); err != nil {
			return nil, &domain.IntegrityFaultError{EventType: e.Type, Version: e.Version, Err: err}
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListStreams returns stream heads, most recently written first.
func (s *PostgresEventStore) ListStreams(ctx context.Context, limit int) ([]StreamVersion, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT aggregate_type, aggregate_id, version
		FROM ledger_streams
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamVersion
	for rows.Next() {
		var sv StreamVersion
		if err := rows.Scan(&sv.Stream.Type, &sv.Stream.ID, &sv.Version); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// mapPgError folds Postgres failures that mean "someone else wrote first" into
// domain.ErrConcurrencyConflict so callers can reload and retry.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}
