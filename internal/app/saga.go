package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// Saga steps recorded in event metadata.
const (
	SagaStepDebit    = "debit"
	SagaStepCredit   = "credit"
	SagaStepRecord   = "record"
	SagaStepRefund   = "compensate_debit"
	SagaStepClawback = "compensate_credit"
)

const (
	sagaOutcomeOK       = "completed"
	sagaOutcomeFailed   = "failed"
	sagaOutcomeUndone   = "compensated"
	sagaOutcomeStranded = "compensation_failed"
)

// TransferSaga moves funds between two accounts as three independent commands:
// debit the sender, credit the receiver, record the transfer. A failed step undoes
// the completed ones in reverse order.
type TransferSaga struct {
	service    *Service
	maxRetries int
	metrics    *metrics.Collector
	log        *logger.Logger
}

func NewTransferSaga(service *Service, maxRetries int, m *metrics.Collector, log *logger.Logger) *TransferSaga {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TransferSaga{service: service, maxRetries: maxRetries, metrics: m, log: log.With("component", "transfer_saga")}
}

// Execute runs the saga. When compensation itself fails the returned error joins
// both failures and the saga is reported as stranded.
func (s *TransferSaga) Execute(ctx context.Context, req domain.TransferRequest, meta map[string]string) (domain.TransferResult, error) {
	if req.AssetCode == "" {
		return domain.TransferResult{}, domain.InvalidCommand("asset code is required")
	}
	if req.Amount <= 0 {
		return domain.TransferResult{}, domain.InvalidCommand("amount must be positive, got %d", req.Amount)
	}
	if req.From == req.To {
		return domain.TransferResult{}, domain.InvalidCommand("transfer source and destination are both %s", req.From)
	}

	sagaID := uuid.New()
	log := s.log.With("saga_id", sagaID, "from", req.From, "to", req.To, "asset_code", req.AssetCode, "amount", req.Amount)
	stepMeta := func(step string, counterparty uuid.UUID) map[string]string {
		return withMeta(meta,
			MetaSagaID, sagaID.String(),
			MetaSagaStep, step,
			MetaCounterparty, counterparty.String(),
			MetaDescription, req.Description,
		)
	}

	err := s.retry(ctx, func() error {
		_, err := s.service.Debit(ctx, req.From, req.AssetCode, req.Amount, stepMeta(SagaStepDebit, req.To))
		return err
	})
	if err != nil {
		log.Info("transfer saga failed at debit", "err", err)
		s.metrics.SagaFinished(sagaOutcomeFailed)
		return domain.TransferResult{}, err
	}

	// Compensation skips the lifecycle guard: an account frozen mid-saga still
	// has to give back what the saga moved.
	refund := func() error {
		_, err := s.service.applyCredit(ctx, req.From, req.AssetCode, req.Amount, stepMeta(SagaStepRefund, req.To))
		return err
	}

	err = s.retry(ctx, func() error {
		_, err := s.service.Credit(ctx, req.To, req.AssetCode, req.Amount, stepMeta(SagaStepCredit, req.From))
		return err
	})
	if err != nil {
		return domain.TransferResult{}, s.compensate(ctx, log, "credit", err, refund)
	}

	var result domain.TransferResult
	err = s.retry(ctx, func() error {
		hash, err := s.service.Transfer(ctx, req.From, req.To, req.AssetCode, req.Amount, stepMeta(SagaStepRecord, req.To))
		if err == nil {
			result = domain.TransferResult{
				SagaID:       sagaID,
				From:         req.From,
				To:           req.To,
				AssetCode:    req.AssetCode,
				Amount:       req.Amount,
				TransferHash: hash,
			}
		}
		return err
	})
	if err != nil {
		clawback := func() error {
			_, err := s.service.applyDebit(ctx, req.To, req.AssetCode, req.Amount, stepMeta(SagaStepClawback, req.From))
			return err
		}
		return domain.TransferResult{}, s.compensate(ctx, log, "record", err, clawback, refund)
	}

	log.Info("transfer saga completed")
	s.metrics.SagaFinished(sagaOutcomeOK)
	return result, nil
}

// compensate runs undo steps in order and returns the error the caller should see.
func (s *TransferSaga) compensate(ctx context.Context, log *logger.Logger, failedStep string, cause error, undo ...func() error) error {
	log.Warn("transfer saga step failed; compensating", "step", failedStep, "err", cause)
	for _, step := range undo {
		if err := s.retry(ctx, step); err != nil {
			log.Error("transfer saga compensation failed", "step", failedStep, "err", err)
			s.metrics.SagaFinished(sagaOutcomeStranded)
			return errors.Join(cause, err)
		}
	}
	s.metrics.SagaFinished(sagaOutcomeUndone)
	return cause
}

// retry runs fn again while it loses optimistic concurrency races.
func (s *TransferSaga) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= s.maxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		s.log.Debug("retrying saga step after concurrency conflict", "attempt", attempt+1, "err", err)
	}
}
