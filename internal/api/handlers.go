/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers parse incoming requests, call the appropriate methods on the
 * application service or the transfer saga, and map domain errors onto HTTP
 * status codes. They act as the bridge between the web layer and the ledger.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Commands, queries, DTOs and domain errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// LedgerHandlers holds the application service and saga that handlers will use.
type LedgerHandlers struct {
	service *app.Service
	saga    *app.TransferSaga
	log     *logger.Logger
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, saga *app.TransferSaga, log *logger.Logger) *LedgerHandlers {
	return &LedgerHandlers{service: service, saga: saga, log: log}
}

type accountTransferRequest struct {
	To          uuid.UUID `json:"to"`
	AssetCode   string    `json:"asset_code"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
}

type transferRecordedResponse struct {
	From         uuid.UUID `json:"from"`
	To           uuid.UUID `json:"to"`
	AssetCode    string    `json:"asset_code"`
	Amount       int64     `json:"amount"`
	TransferHash string    `json:"transfer_hash"`
}

type snapshotResponse struct {
	Stream  domain.StreamID `json:"stream"`
	Version int64           `json:"version"`
}

type verifyResponse struct {
	Stream   domain.StreamID `json:"stream"`
	Verified bool            `json:"verified"`
	Version  int64           `json:"version"`
}

// CreateAccountHandler opens a ledger account.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if !h.decode(w, r, "create_account", &req) {
		return
	}
	id := uuid.New()
	if req.AccountID != nil {
		id = *req.AccountID
	}

	view, err := h.service.CreateAccount(r.Context(), id, req.Name, req.UserID, commandMeta(r, ""))
	if err != nil {
		h.writeDomainError(w, "create_account", id, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetAccountHandler returns the lifecycle state of an account.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	view, err := h.service.AccountStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "get_account", id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteAccountHandler soft-deletes an account. Its history is kept.
func (h *LedgerHandlers) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAccount(r.Context(), id, commandMeta(r, "")); err != nil {
		h.writeDomainError(w, "delete_account", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FreezeAccountHandler blocks outgoing movements on an account.
func (h *LedgerHandlers) FreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "freeze_account", h.service.FreezeAccount)
}

// UnfreezeAccountHandler lifts a freeze.
func (h *LedgerHandlers) UnfreezeAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "unfreeze_account", h.service.UnfreezeAccount)
}

type lifecycleCommand func(ctx context.Context, id uuid.UUID, reason, authorizedBy string, meta map[string]string) error

func (h *LedgerHandlers) lifecycle(w http.ResponseWriter, r *http.Request, endpoint string, run lifecycleCommand) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req domain.LifecycleRequest
	if !h.decode(w, r, endpoint, &req) {
		return
	}
	if strings.TrimSpace(req.AuthorizedBy) == "" {
		req.AuthorizedBy, _ = GetCaller(r.Context())
	}
	if err := run(r.Context(), id, req.Reason, req.AuthorizedBy, commandMeta(r, "")); err != nil {
		h.writeDomainError(w, endpoint, id, err)
		return
	}
	view, err := h.service.AccountStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, endpoint, id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreditHandler adds funds to one asset of an account.
func (h *LedgerHandlers) CreditHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, "credit", h.service.Credit)
}

// DebitHandler removes funds from one asset of an account, bounded by its limit.
func (h *LedgerHandlers) DebitHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, "debit", h.service.Debit)
}

type movementCommand func(ctx context.Context, id uuid.UUID, assetCode string, amount int64, meta map[string]string) (domain.BalanceView, error)

func (h *LedgerHandlers) movement(w http.ResponseWriter, r *http.Request, endpoint string, run movementCommand) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req domain.MovementRequest
	if !h.decode(w, r, endpoint, &req) {
		return
	}
	view, err := run(r.Context(), id, req.AssetCode, req.Amount, commandMeta(r, req.Description))
	if err != nil {
		h.writeDomainError(w, endpoint, id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// BalancesHandler returns every asset balance of an account.
func (h *LedgerHandlers) BalancesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	view, err := h.service.Balances(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "balances", id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// TransactionsHandler returns the projected history of an account, newest first.
func (h *LedgerHandlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.service.History(r.Context(), id, limit, offset)
	if err != nil {
		h.writeDomainError(w, "transactions", id, err)
		return
	}
	if rows == nil {
		rows = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RecordTransferHandler records a transfer fact on the sender's transfer stream.
// Balances are not touched; use TransferHandler to move funds.
func (h *LedgerHandlers) RecordTransferHandler(w http.ResponseWriter, r *http.Request) {
	from, ok := accountID(w, r)
	if !ok {
		return
	}
	var req accountTransferRequest
	if !h.decode(w, r, "record_transfer", &req) {
		return
	}
	hash, err := h.service.Transfer(r.Context(), from, req.To, req.AssetCode, req.Amount, commandMeta(r, req.Description))
	if err != nil {
		h.writeDomainError(w, "record_transfer", from, err)
		return
	}
	writeJSON(w, http.StatusCreated, transferRecordedResponse{
		From:         from,
		To:           req.To,
		AssetCode:    req.AssetCode,
		Amount:       req.Amount,
		TransferHash: hash.String(),
	})
}

// TransferHandler moves funds between two accounts through the transfer saga.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	result, err := h.saga.Execute(r.Context(), req, commandMeta(r, ""))
	if err != nil {
		h.writeDomainError(w, "transfer", req.From, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// SnapshotHandler persists the current state of one of the account's streams.
func (h *LedgerHandlers) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	stream, ok := streamID(w, r)
	if !ok {
		return
	}
	snap, err := h.service.PersistSnapshot(r.Context(), stream)
	if err != nil {
		h.writeDomainError(w, "snapshot", stream.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotResponse{Stream: snap.Stream, Version: snap.Version})
}

// VerifyHandler replays one of the account's streams with every hash recomputed.
func (h *LedgerHandlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	stream, ok := streamID(w, r)
	if !ok {
		return
	}
	version, err := h.service.VerifyStream(r.Context(), stream)
	if err != nil {
		h.writeDomainError(w, "verify", stream.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Stream: stream, Verified: true, Version: version})
}

func (h *LedgerHandlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.log.Warn("invalid request body", "component", "api", "endpoint", endpoint, "outcome", "reject", "err", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeDomainError maps ledger errors onto HTTP statuses. Integrity faults are
// reported without detail.
func (h *LedgerHandlers) writeDomainError(w http.ResponseWriter, endpoint string, id uuid.UUID, err error) {
	var insufficient *domain.InsufficientFundsError
	switch {
	case errors.Is(err, domain.ErrIntegrityFault):
		h.log.Error("ledger integrity fault", "component", "api", "endpoint", endpoint, "aggregate_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "ledger integrity fault")
	case errors.As(err, &insufficient), errors.Is(err, domain.ErrAccountHasBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAccountDeleted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrAccountFrozen),
		errors.Is(err, domain.ErrAccountAlreadyFrozen),
		errors.Is(err, domain.ErrAccountNotFrozen),
		errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAggregateNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("ledger command failed", "component", "api", "endpoint", endpoint, "aggregate_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return uuid.Nil, false
	}
	return id, true
}

func streamID(w http.ResponseWriter, r *http.Request) (domain.StreamID, bool) {
	id, ok := accountID(w, r)
	if !ok {
		return domain.StreamID{}, false
	}
	kind := domain.AggregateType(strings.ToLower(r.URL.Query().Get("type")))
	if kind == "" {
		kind = domain.AggregateBalance
	}
	switch kind {
	case domain.AggregateBalance, domain.AggregateTransfer, domain.AggregateAccount:
		return domain.StreamID{Type: kind, ID: id}, true
	default:
		writeError(w, http.StatusBadRequest, "type must be one of balance, transfer, account")
		return domain.StreamID{}, false
	}
}

func pagination(r *http.Request) (int, int, error) {
	limit, offset := defaultHistoryLimit, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = v
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

func commandMeta(r *http.Request, description string) map[string]string {
	meta := map[string]string{}
	if caller, ok := GetCaller(r.Context()); ok {
		meta[app.MetaInitiatedBy] = caller
	}
	if description = strings.TrimSpace(description); description != "" {
		meta[app.MetaDescription] = description
	}
	return meta
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
