/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct executes commands against the balance, transfer and account aggregates:
 * it loads the aggregate, runs the pure handler, and persists the resulting events
 * through the AggregateRepository.
 *
 * Key features:
 * - Lifecycle guards for frozen and deleted accounts, enforced before any handler runs.
 * - A rejected debit still records its LimitHit fact before the error is returned.
 * - Explicit snapshot persistence and a strict hash audit of any stream.
 *
 * @dependencies
 * - internal/aggregate: Pure command handlers and Apply.
 * - internal/store: Projection read model for history queries.
 * - pkg/metrics, pkg/logger: Command outcomes and structured logs.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/aggregate"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/hashchain"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// Metadata keys attached to events.
const (
	MetaInitiatedBy  = "initiated_by"
	MetaDescription  = "description"
	MetaSagaID       = "saga_id"
	MetaSagaStep     = "saga_step"
	MetaCounterparty = "counterparty_id"
)

// Service provides the ledger's commands and queries.
type Service struct {
	repo        *AggregateRepository
	projections store.ProjectionRepository
	policy      aggregate.Policy
	metrics     *metrics.Collector
	log         *logger.Logger
	now         func() time.Time
}

// NewService creates a new ledger service instance. projections may be nil, in
// which case history queries return no rows.
func NewService(repo *AggregateRepository, projections store.ProjectionRepository, policy aggregate.Policy, m *metrics.Collector, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		repo:        repo,
		projections: projections,
		policy:      policy,
		metrics:     m,
		log:         log.With("component", "ledger_service"),
		now:         time.Now,
	}
}

func (s *Service) loadAccount(ctx context.Context, id uuid.UUID) (*aggregate.Account, error) {
	return Load(ctx, s.repo, func() *aggregate.Account { return aggregate.NewAccount(id) })
}

func (s *Service) loadBalance(ctx context.Context, id uuid.UUID) (*aggregate.Balance, error) {
	return Load(ctx, s.repo, func() *aggregate.Balance { return aggregate.NewBalance(id, s.policy) })
}

func (s *Service) loadTransfer(ctx context.Context, id uuid.UUID) (*aggregate.Transfer, error) {
	return Load(ctx, s.repo, func() *aggregate.Transfer { return aggregate.NewTransfer(id, s.policy) })
}

// CreateAccount opens a new account stream.
func (s *Service) CreateAccount(ctx context.Context, id uuid.UUID, name, userID string, meta map[string]string) (view domain.AccountView, err error) {
	defer s.observe("create_account", time.Now(), &err)

	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return view, err
	}
	if acc.Exists() {
		return view, domain.ErrAccountExists
	}
	events, err := acc.Create(name, userID, meta, s.now())
	if err != nil {
		return view, err
	}
	if err := s.repo.Save(ctx, acc, events); err != nil {
		return view, err
	}
	s.log.Info("account created", "aggregate_id", id)
	return accountView(acc), nil
}

// DeleteAccount closes an account. Frozen accounts must be unfrozen first, and
// every asset balance must be drawn down to zero.
func (s *Service) DeleteAccount(ctx context.Context, id uuid.UUID, meta map[string]string) (err error) {
	defer s.observe("delete_account", time.Now(), &err)

	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	switch acc.Status() {
	case aggregate.AccountUnknown:
		return domain.ErrAggregateNotFound
	case aggregate.AccountDeleted:
		return domain.ErrAccountDeleted
	case aggregate.AccountFrozen:
		return domain.ErrAccountFrozen
	}
	bal, err := s.loadBalance(ctx, id)
	if err != nil {
		return err
	}
	for asset, amount := range bal.Balances() {
		if amount > 0 {
			return fmt.Errorf("%w: %s %d", domain.ErrAccountHasBalance, asset, amount)
		}
	}
	events, err := acc.Delete(meta, s.now())
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, acc, events)
}

// FreezeAccount blocks outgoing movements from an account.
func (s *Service) FreezeAccount(ctx context.Context, id uuid.UUID, reason, authorizedBy string, meta map[string]string) (err error) {
	defer s.observe("freeze_account", time.Now(), &err)

	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	switch acc.Status() {
	case aggregate.AccountUnknown:
		return domain.ErrAggregateNotFound
	case aggregate.AccountDeleted:
		return domain.ErrAccountDeleted
	case aggregate.AccountFrozen:
		return domain.ErrAccountAlreadyFrozen
	}
	events, err := acc.Freeze(reason, authorizedBy, meta, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.Save(ctx, acc, events); err != nil {
		return err
	}
	s.log.Info("account frozen", "aggregate_id", id, "authorized_by", authorizedBy)
	return nil
}

func (s *Service) UnfreezeAccount(ctx context.Context, id uuid.UUID, reason, authorizedBy string, meta map[string]string) (err error) {
	defer s.observe("unfreeze_account", time.Now(), &err)

	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	switch acc.Status() {
	case aggregate.AccountUnknown:
		return domain.ErrAggregateNotFound
	case aggregate.AccountDeleted:
		return domain.ErrAccountDeleted
	case aggregate.AccountActive:
		return domain.ErrAccountNotFrozen
	}
	events, err := acc.Unfreeze(reason, authorizedBy, meta, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.Save(ctx, acc, events); err != nil {
		return err
	}
	s.log.Info("account unfrozen", "aggregate_id", id, "authorized_by", authorizedBy)
	return nil
}

// Credit adds amount of assetCode to the account. Frozen accounts may still receive funds.
func (s *Service) Credit(ctx context.Context, id uuid.UUID, assetCode string, amount int64, meta map[string]string) (view domain.BalanceView, err error) {
	defer s.observe("credit", time.Now(), &err)

	if err := s.guard(ctx, id, false); err != nil {
		return view, err
	}
	return s.applyCredit(ctx, id, assetCode, amount, meta)
}

// applyCredit appends a credit without consulting the account lifecycle.
func (s *Service) applyCredit(ctx context.Context, id uuid.UUID, assetCode string, amount int64, meta map[string]string) (view domain.BalanceView, err error) {
	bal, err := s.loadBalance(ctx, id)
	if err != nil {
		return view, err
	}
	events, err := bal.Credit(assetCode, amount, meta, s.now())
	if err != nil {
		return view, err
	}
	if err := s.repo.Save(ctx, bal, events); err != nil {
		return view, err
	}
	return balanceView(bal), nil
}

// Debit subtracts amount of assetCode from the account. When the account limit
// would be breached the LimitHit fact is persisted and an *InsufficientFundsError
// is returned.
func (s *Service) Debit(ctx context.Context, id uuid.UUID, assetCode string, amount int64, meta map[string]string) (view domain.BalanceView, err error) {
	defer s.observe("debit", time.Now(), &err)

	if err := s.guard(ctx, id, true); err != nil {
		return view, err
	}
	return s.applyDebit(ctx, id, assetCode, amount, meta)
}

func (s *Service) applyDebit(ctx context.Context, id uuid.UUID, assetCode string, amount int64, meta map[string]string) (view domain.BalanceView, err error) {
	bal, err := s.loadBalance(ctx, id)
	if err != nil {
		return view, err
	}
	events, handleErr := bal.Debit(assetCode, amount, meta, s.now())
	if handleErr != nil && len(events) == 0 {
		return view, handleErr
	}
	if err := s.repo.Save(ctx, bal, events); err != nil {
		return view, err
	}
	if handleErr != nil {
		s.log.Info("debit rejected by account limit", "aggregate_id", id, "asset_code", assetCode, "amount", amount, "err", handleErr)
		return balanceView(bal), handleErr
	}
	return balanceView(bal), nil
}

// Transfer records a transfer fact on the sender's transfer stream. It does not
// move balances; TransferSaga does that.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, assetCode string, amount int64, meta map[string]string) (hash hashchain.Hash, err error) {
	defer s.observe("transfer", time.Now(), &err)

	if err := s.guard(ctx, from, true); err != nil {
		return "", err
	}
	if from != to {
		if err := s.guard(ctx, to, false); err != nil {
			return "", err
		}
	}
	tr, err := s.loadTransfer(ctx, from)
	if err != nil {
		return "", err
	}
	events, err := tr.Record(from, to, assetCode, amount, meta, s.now())
	if err != nil {
		return "", err
	}
	if err := s.repo.Save(ctx, tr, events); err != nil {
		return "", err
	}
	return tr.LastHash(), nil
}

// guard rejects commands on deleted accounts, and outgoing commands on frozen ones.
// An account without a lifecycle stream is active.
func (s *Service) guard(ctx context.Context, id uuid.UUID, outgoing bool) error {
	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return err
	}
	switch acc.Status() {
	case aggregate.AccountDeleted:
		return domain.ErrAccountDeleted
	case aggregate.AccountFrozen:
		if outgoing {
			return domain.ErrAccountFrozen
		}
	}
	return nil
}

// Balance returns the balance of one asset. Unknown accounts hold nothing.
func (s *Service) Balance(ctx context.Context, id uuid.UUID, assetCode string) (int64, error) {
	bal, err := s.loadBalance(ctx, id)
	if err != nil {
		return 0, err
	}
	return bal.Balance(assetCode), nil
}

func (s *Service) Balances(ctx context.Context, id uuid.UUID) (domain.BalanceView, error) {
	bal, err := s.loadBalance(ctx, id)
	if err != nil {
		return domain.BalanceView{}, err
	}
	return balanceView(bal), nil
}

func (s *Service) AccountStatus(ctx context.Context, id uuid.UUID) (domain.AccountView, error) {
	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return domain.AccountView{}, err
	}
	if !acc.Exists() {
		return domain.AccountView{}, domain.ErrAggregateNotFound
	}
	return accountView(acc), nil
}

// History returns projected transactions for an account, newest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if s.projections == nil {
		return []domain.Transaction{}, nil
	}
	return s.projections.FindTransactionsByAccountID(ctx, id, limit, offset)
}

// PersistSnapshot stores the current state of stream.
func (s *Service) PersistSnapshot(ctx context.Context, stream domain.StreamID) (store.Snapshot, error) {
	newRoot, err := rootFactory(stream, s.policy)
	if err != nil {
		return store.Snapshot{}, err
	}
	root, err := Load(ctx, s.repo, newRoot)
	if err != nil {
		return store.Snapshot{}, err
	}
	return s.repo.SaveSnapshot(ctx, root)
}

// VerifyStream replays stream from its first event with every hash recomputed and
// returns the verified head version.
func (s *Service) VerifyStream(ctx context.Context, stream domain.StreamID) (int64, error) {
	strict := s.policy
	strict.HashVerification = aggregate.HashStrict
	newRoot, err := rootFactory(stream, strict)
	if err != nil {
		return 0, err
	}
	root, err := Rebuild(ctx, s.repo, newRoot)
	if err != nil {
		return 0, err
	}
	if root.Version() == 0 {
		return 0, domain.ErrAggregateNotFound
	}
	return root.Version(), nil
}

func rootFactory(stream domain.StreamID, policy aggregate.Policy) (func() aggregate.Root, error) {
	switch stream.Type {
	case domain.AggregateBalance:
		return func() aggregate.Root { return aggregate.NewBalance(stream.ID, policy) }, nil
	case domain.AggregateTransfer:
		return func() aggregate.Root { return aggregate.NewTransfer(stream.ID, policy) }, nil
	case domain.AggregateAccount:
		return func() aggregate.Root { return aggregate.NewAccount(stream.ID) }, nil
	default:
		return nil, domain.InvalidCommand("unknown aggregate type %q", stream.Type)
	}
}

func (s *Service) observe(command string, started time.Time, err *error) {
	s.metrics.ObserveCommand(command, outcome(*err), time.Since(started))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrIntegrityFault):
		return "integrity_fault"
	case errors.Is(err, domain.ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, domain.ErrAccountFrozen), errors.Is(err, domain.ErrAccountDeleted),
		errors.Is(err, domain.ErrAccountExists), errors.Is(err, domain.ErrAccountAlreadyFrozen),
		errors.Is(err, domain.ErrAccountNotFrozen), errors.Is(err, domain.ErrAccountHasBalance),
		errors.Is(err, domain.ErrAggregateNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func balanceView(b *aggregate.Balance) domain.BalanceView {
	return domain.BalanceView{
		AccountID:      b.Stream().ID,
		Balances:       b.Balances(),
		Version:        b.Version(),
		OperationCount: b.OperationCount(),
		AccountLimit:   b.AccountLimit(),
	}
}

func accountView(a *aggregate.Account) domain.AccountView {
	return domain.AccountView{
		AccountID: a.Stream().ID,
		Name:      a.Name(),
		UserID:    a.UserID(),
		Status:    string(a.Status()),
		Version:   a.Version(),
	}
}

// withMeta returns a copy of meta with extra key/value pairs set.
func withMeta(meta map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(meta)+len(kv)/2)
	for k, v := range meta {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	return out
}
