package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

var _ ProjectionRepository = (*PostgresProjectionRepository)(nil)

// PostgresProjectionRepository writes the `ledger_transactions` history table.
type PostgresProjectionRepository struct {
	db *pgxpool.Pool
}

func NewPostgresProjectionRepository(db *pgxpool.Pool) *PostgresProjectionRepository {
	return &PostgresProjectionRepository{db: db}
}

// InsertTransactions inserts rows in one transaction; redelivered events hit the
// primary key and are skipped.
func (r *PostgresProjectionRepository) InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO ledger_transactions
				(event_id, account_id, type, counterparty_id, asset_code, amount, hash, description, saga_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id, account_id, type) DO NOTHING`,
			row.EventID, row.AccountID, string(row.Type), row.CounterpartyID, row.AssetCode, row.Amount,
			string(row.Hash), row.Description, row.SagaID, row.OccurredAt)
	}

	inserted := 0
	br := tx.SendBatch(ctx, batch)
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PostgresProjectionRepository) FindTransactionsByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	limit, offset = Page(limit, offset)
	query := `
		SELECT event_id, account_id, counterparty_id, type, asset_code, amount, hash,
		       COALESCE(description, '') AS description, COALESCE(saga_id, '') AS saga_id, occurred_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []domain.Transaction{}
	for rows.Next() {
		var t domain.Transaction
		err := rows.Scan(
			&t.EventID, &t.AccountID, &t.CounterpartyID, &t.Type, &t.AssetCode, &t.Amount,
			&t.Hash, &t.Description, &t.SagaID, &t.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}
