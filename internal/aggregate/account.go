package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

// AccountStatus is the lifecycle state derived from an account stream.
type AccountStatus string

const (
	AccountUnknown AccountStatus = ""
	AccountActive  AccountStatus = "active"
	AccountFrozen  AccountStatus = "frozen"
	AccountDeleted AccountStatus = "deleted"
)

// Account tracks the lifecycle of one account. Each command yields exactly one
// event; lifecycle rules are enforced by the caller.
type Account struct {
	stream  domain.StreamID
	version int64
	name    string
	userID  string
	status  AccountStatus
}

func NewAccount(accountID uuid.UUID) *Account {
	return &Account{stream: domain.StreamID{Type: domain.AggregateAccount, ID: accountID}}
}

func (a *Account) Stream() domain.StreamID { return a.stream }
func (a *Account) Version() int64          { return a.version }
func (a *Account) Name() string            { return a.name }
func (a *Account) UserID() string          { return a.userID }
func (a *Account) Status() AccountStatus   { return a.status }
func (a *Account) Frozen() bool            { return a.status == AccountFrozen }

// Exists reports whether the account was ever created.
func (a *Account) Exists() bool { return a.status != AccountUnknown }

func (a *Account) Create(name, userID string, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	if name == "" {
		return nil, domain.InvalidCommand("account name is required")
	}
	return a.single(domain.AccountCreated{Name: name, UserID: userID}, metadata, now), nil
}

func (a *Account) Delete(metadata map[string]string, now time.Time) ([]domain.Event, error) {
	return a.single(domain.AccountDeleted{}, metadata, now), nil
}

func (a *Account) Freeze(reason, authorizedBy string, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	return a.single(domain.AccountFrozen{Reason: reason, AuthorizedBy: authorizedBy}, metadata, now), nil
}

func (a *Account) Unfreeze(reason, authorizedBy string, metadata map[string]string, now time.Time) ([]domain.Event, error) {
	return a.single(domain.AccountUnfrozen{Reason: reason, AuthorizedBy: authorizedBy}, metadata, now), nil
}

func (a *Account) single(p domain.Payload, metadata map[string]string, now time.Time) []domain.Event {
	return []domain.Event{domain.NewEvent(a.stream, p, metadata, now)}
}

func (a *Account) Apply(e domain.Event) error {
	switch p := e.Payload.(type) {
	case domain.AccountCreated:
		a.name = p.Name
		a.userID = p.UserID
		a.status = AccountActive
	case domain.AccountDeleted:
		a.status = AccountDeleted
	case domain.AccountFrozen:
		a.status = AccountFrozen
	case domain.AccountUnfrozen:
		a.status = AccountActive
	default:
		return unknownEvent(e, a.stream)
	}
	a.version = e.Version
	return nil
}

type accountState struct {
	Name   string        `json:"name"`
	UserID string        `json:"user_id,omitempty"`
	Status AccountStatus `json:"status"`
}

func (a *Account) Snapshot() ([]byte, error) {
	return json.Marshal(accountState{Name: a.name, UserID: a.userID, Status: a.status})
}

func (a *Account) Restore(state []byte, version int64) error {
	var s accountState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("restore account snapshot: %w", err)
	}
	a.name, a.userID, a.status = s.Name, s.UserID, s.Status
	a.version = version
	return nil
}
