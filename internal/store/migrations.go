package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_streams (
		aggregate_type TEXT        NOT NULL,
		aggregate_id   UUID        NOT NULL,
		version        BIGINT      NOT NULL CHECK (version > 0),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (aggregate_type, aggregate_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_streams_updated_at_idx ON ledger_streams (updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		id             UUID        PRIMARY KEY,
		aggregate_type TEXT        NOT NULL,
		aggregate_id   UUID        NOT NULL,
		version        BIGINT      NOT NULL,
		event_type     TEXT        NOT NULL,
		schema_version INT         NOT NULL DEFAULT 1,
		payload        JSONB       NOT NULL,
		metadata       JSONB,
		occurred_at    TIMESTAMPTZ NOT NULL,
		recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (aggregate_type, aggregate_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		aggregate_type TEXT        NOT NULL,
		aggregate_id   UUID        NOT NULL,
		version        BIGINT      NOT NULL,
		state          JSONB       NOT NULL,
		taken_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (aggregate_type, aggregate_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		event_id        UUID        NOT NULL,
		account_id      UUID        NOT NULL,
		type            TEXT        NOT NULL,
		counterparty_id UUID,
		asset_code      TEXT        NOT NULL,
		amount          BIGINT      NOT NULL,
		hash            TEXT        NOT NULL,
		description     TEXT,
		saga_id         TEXT,
		occurred_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (event_id, account_id, type)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_account_idx ON ledger_transactions (account_id, occurred_at DESC)`,
}

// Migrate creates the ledger schema if it does not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
