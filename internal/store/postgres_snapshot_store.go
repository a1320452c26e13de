package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)

// PostgresSnapshotStore keeps snapshots in `ledger_snapshots`, one row per stream version.
type PostgresSnapshotStore struct {
	db *pgxpool.Pool
}

func NewPostgresSnapshotStore(db *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) LoadLatest(ctx context.Context, stream domain.StreamID) (*Snapshot, error) {
	snap := Snapshot{Stream: stream}
	var state []byte
	err := s.db.QueryRow(ctx, `
		SELECT version, state, taken_at
		FROM ledger_snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version DESC
		LIMIT 1`, string(stream.Type), stream.ID).Scan(&snap.Version, &state, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	snap.State = state
	return &snap, nil
}

// Save is idempotent per (stream, version).
func (s *PostgresSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger_snapshots (aggregate_type, aggregate_id, version, state, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_type, aggregate_id, version) DO NOTHING`,
		string(snapshot.Stream.Type), snapshot.Stream.ID, snapshot.Version, string(snapshot.State), snapshot.TakenAt)
	return err
}
