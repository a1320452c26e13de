package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

// EventType is the stable type tag stored with every event. Tags are part of the
// replay contract and must never be renamed.
type EventType string

const (
	EventAccountCreated              EventType = "account_created"
	EventAccountDeleted              EventType = "account_deleted"
	EventAccountFrozen               EventType = "account_frozen"
	EventAccountUnfrozen             EventType = "account_unfrozen"
	EventAccountLimitHit             EventType = "account_limit_hit"
	EventBalanceAdded                EventType = "asset_balance_added"
	EventBalanceSubtracted           EventType = "asset_balance_subtracted"
	EventTransferred                 EventType = "asset_transferred"
	EventTransactionThresholdReached EventType = "transaction_threshold_reached"
	EventTransferThresholdReached    EventType = "transfer_threshold_reached"
)

// Payload is the closed set of facts the ledger records. Only types in this
// package implement it.
type Payload interface {
	EventType() EventType
	payload()
}

// BalanceAdded credits an asset balance.
type BalanceAdded struct {
	AssetCode string         `json:"asset_code"`
	Amount    int64          `json:"amount"`
	Hash      hashchain.Hash `json:"hash"`
}

// BalanceSubtracted debits an asset balance.
type BalanceSubtracted struct {
	AssetCode string         `json:"asset_code"`
	Amount    int64          `json:"amount"`
	Hash      hashchain.Hash `json:"hash"`
}

// LimitHit records a rejected debit. It never changes a balance.
type LimitHit struct {
	AssetCode string `json:"asset_code"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
	Limit     int64  `json:"limit"`
}

// Transferred records the intent to move funds between two accounts.
type Transferred struct {
	From      uuid.UUID      `json:"from"`
	To        uuid.UUID      `json:"to"`
	AssetCode string         `json:"asset_code"`
	Amount    int64          `json:"amount"`
	Hash      hashchain.Hash `json:"hash"`
}

// TransactionThresholdReached marks that a balance stream crossed the operation threshold.
type TransactionThresholdReached struct {
	Count int `json:"count"`
}

// TransferThresholdReached marks that a transfer stream crossed the operation threshold.
type TransferThresholdReached struct {
	Count int `json:"count"`
}

type AccountCreated struct {
	Name   string `json:"name"`
	UserID string `json:"user_id,omitempty"`
}

type AccountDeleted struct{}

type AccountFrozen struct {
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by,omitempty"`
}

type AccountUnfrozen struct {
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by,omitempty"`
}

func (BalanceAdded) EventType() EventType                { return EventBalanceAdded }
func (BalanceSubtracted) EventType() EventType           { return EventBalanceSubtracted }
func (LimitHit) EventType() EventType                    { return EventAccountLimitHit }
func (Transferred) EventType() EventType                 { return EventTransferred }
func (TransactionThresholdReached) EventType() EventType { return EventTransactionThresholdReached }
func (TransferThresholdReached) EventType() EventType    { return EventTransferThresholdReached }
func (AccountCreated) EventType() EventType              { return EventAccountCreated }
func (AccountDeleted) EventType() EventType              { return EventAccountDeleted }
func (AccountFrozen) EventType() EventType               { return EventAccountFrozen }
func (AccountUnfrozen) EventType() EventType             { return EventAccountUnfrozen }

func (BalanceAdded) payload()                {}
func (BalanceSubtracted) payload()           {}
func (LimitHit) payload()                    {}
func (Transferred) payload()                 {}
func (TransactionThresholdReached) payload() {}
func (TransferThresholdReached) payload()    {}
func (AccountCreated) payload()              {}
func (AccountDeleted) payload()              {}
func (AccountFrozen) payload()               {}
func (AccountUnfrozen) payload()             {}

// EncodePayload renders a payload as its JSON document.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownEventType)
	}
	return json.Marshal(p)
}

// DecodePayload rebuilds a payload from its stored type tag and JSON document.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventBalanceAdded:
		return decodeAs[BalanceAdded](raw)
	case EventBalanceSubtracted:
		return decodeAs[BalanceSubtracted](raw)
	case EventAccountLimitHit:
		return decodeAs[LimitHit](raw)
	case EventTransferred:
		return decodeAs[Transferred](raw)
	case EventTransactionThresholdReached:
		return decodeAs[TransactionThresholdReached](raw)
	case EventTransferThresholdReached:
		return decodeAs[TransferThresholdReached](raw)
	case EventAccountCreated:
		return decodeAs[AccountCreated](raw)
	case EventAccountDeleted:
		return decodeAs[AccountDeleted](raw)
	case EventAccountFrozen:
		return decodeAs[AccountFrozen](raw)
	case EventAccountUnfrozen:
		return decodeAs[AccountUnfrozen](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.EventType(), err)
	}
	return p, nil
}
