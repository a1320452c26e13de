package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

// Transfer records transfer intents sent by one account. It never touches balances;
// moving the money is the job of the saga driving the two balance streams.
type Transfer struct {
	stream         domain.StreamID
	policy         Policy
	version        int64
	operationCount int
	recentHashes   hashWindow
}

// NewTransfer returns the transfer aggregate of the sending account.
func NewTransfer(fromAccountID uuid.UUID, policy Policy) *Transfer {
	return &Transfer{
		stream: domain.StreamID{Type: domain.AggregateTransfer, ID: fromAccountID},
		policy: policy,
	}
}

func (t *Transfer) Stream() domain.StreamID { return t.stream }
func (t *Transfer) Version() int64          { return t.version }
func (t *Transfer) OperationCount() int     { return t.operationCount }

// LastHash returns the digest of the most recent transfer, empty when none was recorded.
func (t *Transfer) LastHash() hashchain.Hash { return t.recentHashes.last() }

// Record returns a Transferred event binding both counterparties, plus a threshold
// marker when the counter reaches the policy threshold.
func (t *Transfer) Record(from, to uuid.UUID, assetCode string, amount int64, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	if err := validateMovement(assetCode, amount); err != nil {
		return nil, err
	}
	if from != t.stream.ID {
		return nil, domain.InvalidCommand("transfer from %s recorded on stream of %s", from, t.stream.ID)
	}
	if from == to {
		return nil, domain.InvalidCommand("transfer source and destination are both %s", from)
	}

	at := domain.Timestamp(now)
	hash := hashchain.Compute(assetCode, amount, at, from.String(), to.String())

	events := []domain.Event{
		domain.NewEvent(t.stream, domain.Transferred{
			From:      from,
			To:        to,
			AssetCode: assetCode,
			Amount:    amount,
			Hash:      hash,
		}, metadata, at),
	}
	if next := t.operationCount + 1; t.policy.reached(next) {
		events = append(events, domain.NewEvent(t.stream, domain.TransferThresholdReached{Count: next}, nil, at))
	}
	return events, nil
}

func (t *Transfer) Apply(e domain.Event) error {
	switch p := e.Payload.(type) {
	case domain.Transferred:
		if err := t.policy.checkHash(e, p.Hash, func() error {
			return hashchain.Verify(p.Hash, p.AssetCode, p.Amount, e.OccurredAt, p.From.String(), p.To.String())
		}); err != nil {
			return err
		}
		t.operationCount++
		t.recentHashes = t.recentHashes.push(p.Hash)
	case domain.TransferThresholdReached:
		t.operationCount = 0
	default:
		return unknownEvent(e, t.stream)
	}
	t.version = e.Version
	return nil
}

type transferState struct {
	OperationCount int              `json:"operation_count"`
	RecentHashes   []hashchain.Hash `json:"recent_hashes"`
}

func (t *Transfer) Snapshot() ([]byte, error) {
	return json.Marshal(transferState{OperationCount: t.operationCount, RecentHashes: t.recentHashes})
}

func (t *Transfer) Restore(state []byte, version int64) error {
	var s transferState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("restore transfer snapshot: %w", err)
	}
	t.operationCount = s.OperationCount
	t.recentHashes = hashWindow(s.RecentHashes)
	t.version = version
	return nil
}
