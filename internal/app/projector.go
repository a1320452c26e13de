package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// Projector turns money-moving events into transaction history rows.
type Projector struct {
	repo    store.ProjectionRepository
	metrics *metrics.Collector
	log     *logger.Logger
}

func NewProjector(repo store.ProjectionRepository, m *metrics.Collector, log *logger.Logger) *Projector {
	if log == nil {
		log = logger.NewNop()
	}
	return &Projector{repo: repo, metrics: m, log: log.With("component", "transaction_projector")}
}

// HandleMessage is the broker callback. Undecodable messages are dropped; a store
// failure asks for redelivery.
func (p *Projector) HandleMessage(body []byte) bool {
	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		p.log.Warn("dropping undecodable event", "err", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.Project(ctx, []domain.Event{event}); err != nil {
		p.log.Error("projection failed", "event_id", event.ID, "event_type", event.Type, "err", err)
		return false
	}
	return true
}

// Project writes the rows for events. Rows already present are skipped, so
// redelivery is harmless.
func (p *Projector) Project(ctx context.Context, events []domain.Event) error {
	var rows []domain.Transaction
	for _, e := range events {
		rows = append(rows, transactionRows(e)...)
	}
	if len(rows) == 0 {
		return nil
	}
	inserted, err := p.repo.InsertTransactions(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}
	p.metrics.TransactionsProjected(inserted)
	return nil
}

// transactionRows maps one event to its history rows. Saga legs are labelled as
// transfer rows; a Transferred fact recorded inside a saga produces nothing because
// its legs already moved the money.
func transactionRows(e domain.Event) []domain.Transaction {
	sagaID := e.Metadata[MetaSagaID]
	step := e.Metadata[MetaSagaStep]
	row := domain.Transaction{
		EventID:     e.ID,
		AccountID:   e.Stream.ID,
		Description: e.Metadata[MetaDescription],
		SagaID:      sagaID,
		OccurredAt:  e.OccurredAt,
	}

	switch p := e.Payload.(type) {
	case domain.BalanceAdded:
		row.Type = domain.TransactionDeposit
		if step == SagaStepCredit {
			row.Type = domain.TransactionTransferIn
		}
		row.AssetCode, row.Amount, row.Hash = p.AssetCode, p.Amount, p.Hash
		row.CounterpartyID = counterparty(e)
		return []domain.Transaction{row}
	case domain.BalanceSubtracted:
		row.Type = domain.TransactionWithdrawal
		if step == SagaStepDebit {
			row.Type = domain.TransactionTransferOut
		}
		row.AssetCode, row.Amount, row.Hash = p.AssetCode, p.Amount, p.Hash
		row.CounterpartyID = counterparty(e)
		return []domain.Transaction{row}
	case domain.Transferred:
		if sagaID != "" {
			return nil
		}
		from, to := p.From, p.To
		out := row
		out.AccountID, out.CounterpartyID = from, &to
		out.Type = domain.TransactionTransferOut
		out.AssetCode, out.Amount, out.Hash = p.AssetCode, p.Amount, p.Hash
		in := out
		in.AccountID, in.CounterpartyID = to, &from
		in.Type = domain.TransactionTransferIn
		return []domain.Transaction{out, in}
	default:
		return nil
	}
}

func counterparty(e domain.Event) *uuid.UUID {
	raw, ok := e.Metadata[MetaCounterparty]
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
