/**
 * @description
 * Read-side models and API DTOs for the ledger-service. The event stream is the
 * source of truth; a Transaction row is a projection of one money-moving event
 * kept for history queries.
 *
 * @notes
 * - Amounts are int64 in the asset's smallest unit, never floats.
 * - Rows are keyed by (event_id, direction) so replays of the same event are no-ops.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

// TransactionType is the direction of a projected movement from the account's point of view.
type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionWithdrawal  TransactionType = "withdrawal"
	TransactionTransferOut TransactionType = "transfer_out"
	TransactionTransferIn  TransactionType = "transfer_in"
)

// Transaction maps to the `ledger_transactions` projection table.
type Transaction struct {
	EventID        uuid.UUID       `json:"event_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	CounterpartyID *uuid.UUID      `json:"counterparty_id,omitempty"`
	Type           TransactionType `json:"type"`
	AssetCode      string          `json:"asset_code"`
	Amount         int64           `json:"amount"`
	Hash           hashchain.Hash  `json:"hash"`
	Description    string          `json:"description,omitempty"`
	SagaID         string          `json:"saga_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// CreateAccountRequest is the DTO for opening a ledger account.
type CreateAccountRequest struct {
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	Name      string     `json:"name"`
	UserID    string     `json:"user_id"`
}

// LifecycleRequest carries the audit fields for freeze and unfreeze.
type LifecycleRequest struct {
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by"`
}

// MovementRequest is the DTO for credits and debits.
type MovementRequest struct {
	AssetCode   string `json:"asset_code"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// TransferRequest moves funds between two ledger accounts.
type TransferRequest struct {
	From        uuid.UUID `json:"from"`
	To          uuid.UUID `json:"to"`
	AssetCode   string    `json:"asset_code"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
}

// TransferResult summarises a completed transfer saga.
type TransferResult struct {
	SagaID       uuid.UUID      `json:"saga_id"`
	From         uuid.UUID      `json:"from"`
	To           uuid.UUID      `json:"to"`
	AssetCode    string         `json:"asset_code"`
	Amount       int64          `json:"amount"`
	TransferHash hashchain.Hash `json:"transfer_hash"`
}

// BalanceView is the query response for one account.
type BalanceView struct {
	AccountID      uuid.UUID        `json:"account_id"`
	Balances       map[string]int64 `json:"balances"`
	Version        int64            `json:"version"`
	OperationCount int              `json:"operation_count"`
	AccountLimit   int64            `json:"account_limit"`
}

// AccountView is the query response for an account's lifecycle.
type AccountView struct {
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}
