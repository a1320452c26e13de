package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

// Balance is the per-account, multi-asset balance aggregate.
type Balance struct {
	stream         domain.StreamID
	policy         Policy
	version        int64
	balances       map[string]int64
	operationCount int
	recentHashes   hashWindow
}

// NewBalance returns an empty balance aggregate for accountID.
func NewBalance(accountID uuid.UUID, policy Policy) *Balance {
	return &Balance{
		stream:   domain.StreamID{Type: domain.AggregateBalance, ID: accountID},
		policy:   policy,
		balances: make(map[string]int64),
	}
}

func (b *Balance) Stream() domain.StreamID { return b.stream }
func (b *Balance) Version() int64          { return b.version }
func (b *Balance) OperationCount() int     { return b.operationCount }

// AccountLimit is the floor a debit may not cross.
func (b *Balance) AccountLimit() int64 { return b.policy.DefaultAccountLimit }

// Balance returns the balance of assetCode, zero when the asset was never touched.
func (b *Balance) Balance(assetCode string) int64 {
	return b.balances[assetCode]
}

// Balances returns a copy of every asset balance.
func (b *Balance) Balances() map[string]int64 {
	out := make(map[string]int64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}

// RecentHashes returns the retained digests, oldest first.
func (b *Balance) RecentHashes() []hashchain.Hash {
	return append([]hashchain.Hash(nil), b.recentHashes...)
}

// Credit records a BalanceAdded fact, followed by a threshold marker when the
// operation counter reaches the policy threshold.
func (b *Balance) Credit(assetCode string, amount int64, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	if err := validateMovement(assetCode, amount); err != nil {
		return nil, err
	}
	if b.balances[assetCode] > math.MaxInt64-amount {
		return nil, domain.InvalidCommand("credit of %d %s would overflow the balance", amount, assetCode)
	}

	at := domain.Timestamp(now)
	hash := hashchain.Compute(assetCode, amount, at)

	events := []domain.Event{
		domain.NewEvent(b.stream, domain.BalanceAdded{AssetCode: assetCode, Amount: amount, Hash: hash}, metadata, at),
	}
	return b.withMarker(events, at), nil
}

// Debit records a BalanceSubtracted fact when the balance stays at or above the
// account limit. Otherwise it returns a LimitHit event that must still be persisted
// together with an *InsufficientFundsError.
func (b *Balance) Debit(assetCode string, amount int64, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	if err := validateMovement(assetCode, amount); err != nil {
		return nil, err
	}

	at := domain.Timestamp(now)
	current := b.balances[assetCode]
	limit := b.AccountLimit()
	if current < limit || current-limit < amount {
		hit := domain.LimitHit{AssetCode: assetCode, Amount: amount, Balance: current, Limit: limit}
		return []domain.Event{domain.NewEvent(b.stream, hit, metadata, at)},
			&domain.InsufficientFundsError{AssetCode: assetCode, Balance: current, Amount: amount, Limit: limit}
	}

	hash := hashchain.Compute(assetCode, amount, at)

	events := []domain.Event{
		domain.NewEvent(b.stream, domain.BalanceSubtracted{AssetCode: assetCode, Amount: amount, Hash: hash}, metadata, at),
	}
	if b.policy.CountDebits {
		events = b.withMarker(events, at)
	}
	return events, nil
}

func (b *Balance) withMarker(events []domain.Event, at time.Time) []domain.Event {
	next := b.operationCount + 1
	if !b.policy.reached(next) {
		return events
	}
	return append(events, domain.NewEvent(b.stream, domain.TransactionThresholdReached{Count: next}, nil, at))
}

// Apply folds one event into the aggregate.
func (b *Balance) Apply(e domain.Event) error {
	switch p := e.Payload.(type) {
	case domain.BalanceAdded:
		if err := b.policy.checkHash(e, p.Hash, func() error {
			return hashchain.Verify(p.Hash, p.AssetCode, p.Amount, e.OccurredAt)
		}); err != nil {
			return err
		}
		b.balances[p.AssetCode] += p.Amount
		b.operationCount++
		b.recentHashes = b.recentHashes.push(p.Hash)
	case domain.BalanceSubtracted:
		if err := b.policy.checkHash(e, p.Hash, func() error {
			return hashchain.Verify(p.Hash, p.AssetCode, p.Amount, e.OccurredAt)
		}); err != nil {
			return err
		}
		b.balances[p.AssetCode] -= p.Amount
		if b.policy.CountDebits {
			b.operationCount++
		}
		b.recentHashes = b.recentHashes.push(p.Hash)
	case domain.LimitHit:
		// audit only
	case domain.TransactionThresholdReached:
		b.operationCount = 0
	default:
		return unknownEvent(e, b.stream)
	}
	b.version = e.Version
	return nil
}

type balanceState struct {
	Balances       map[string]int64 `json:"balances"`
	OperationCount int              `json:"operation_count"`
	RecentHashes   []hashchain.Hash `json:"recent_hashes"`
}

func (b *Balance) Snapshot() ([]byte, error) {
	return json.Marshal(balanceState{
		Balances:       b.balances,
		OperationCount: b.operationCount,
		RecentHashes:   b.recentHashes,
	})
}

func (b *Balance) Restore(state []byte, version int64) error {
	var s balanceState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("restore balance snapshot: %w", err)
	}
	if s.Balances == nil {
		s.Balances = make(map[string]int64)
	}
	b.balances = s.Balances
	b.operationCount = s.OperationCount
	b.recentHashes = hashWindow(s.RecentHashes)
	b.version = version
	return nil
}
