package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIntegrityFault      = errors.New("integrity fault")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrInvalidCommand      = errors.New("invalid command")

	// Lifecycle guards enforced at the command call site.
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountFrozen        = errors.New("account is frozen")
	ErrAccountDeleted       = errors.New("account is deleted")
	ErrAccountAlreadyFrozen = errors.New("account is already frozen")
	ErrAccountNotFrozen     = errors.New("account is not frozen")
	ErrAccountHasBalance    = errors.New("account has a balance")
)

// InsufficientFundsError reports a debit that would take a balance below the account limit.
type InsufficientFundsError struct {
	AssetCode string
	Balance   int64
	Amount    int64
	Limit     int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s balance %d cannot cover %d (limit %d)", e.AssetCode, e.Balance, e.Amount, e.Limit)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// IntegrityFaultError aborts reconstruction of an aggregate.
type IntegrityFaultError struct {
	EventType EventType
	Version   int64
	Err       error
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("integrity fault: %s at version %d: %v", e.EventType, e.Version, e.Err)
}

func (e *IntegrityFaultError) Is(target error) bool { return target == ErrIntegrityFault }

func (e *IntegrityFaultError) Unwrap() error { return e.Err }

// InvalidCommand tags a validation failure on command input.
func InvalidCommand(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}
