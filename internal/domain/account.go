package domain

import (
	"errors"

	"github.com/shopspring/decimal"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

// DefaultCurrency applies when AccountCreated carries no currency and no
// other default was configured.
const DefaultCurrency = "USD"

// AccountStatus is the lifecycle status of an account.
type AccountStatus string

const (
	AccountStatusOpen   AccountStatus = "OPEN"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// AccountState is the state of one account folded from its events.
// Status is empty until AccountCreated has been applied.
type AccountState struct {
	AccountID             string
	Balance               decimal.Decimal
	Status                AccountStatus
	OwnerName             string
	Currency              string
	ProcessedTransactions map[string]struct{}
	// Version is the sequence number of the last event folded in.
	Version int64
}

// NewAccountState returns the empty state of an account that has no events.
func NewAccountState(accountID string) AccountState {
	return AccountState{
		AccountID:             accountID,
		Balance:               decimal.Zero,
		ProcessedTransactions: map[string]struct{}{},
	}
}

// Exists reports whether AccountCreated has been applied.
func (s AccountState) Exists() bool { return s.Status != "" }

// IsClosed reports whether the account is closed.
func (s AccountState) IsClosed() bool { return s.Status == AccountStatusClosed }

// HasProcessed reports whether transactionID was already applied.
func (s AccountState) HasProcessed(transactionID string) bool {
	_, ok := s.ProcessedTransactions[transactionID]
	return ok
}

// Clone returns a deep copy of s.
func (s AccountState) Clone() AccountState {
	out := s
	out.ProcessedTransactions = make(map[string]struct{}, len(s.ProcessedTransactions))
	for id := range s.ProcessedTransactions {
		out.ProcessedTransactions[id] = struct{}{}
	}
	return out
}

// Reducer folds events into account state. It is the only implementation of
// the event application rules; reconstruction, snapshots and point-in-time
// queries all go through it.
type Reducer struct {
	defaultCurrency string
}

// NewReducer creates a reducer. An empty defaultCurrency falls back to
// DefaultCurrency.
func NewReducer(defaultCurrency string) *Reducer {
	if defaultCurrency == "" {
		defaultCurrency = DefaultCurrency
	}
	return &Reducer{defaultCurrency: defaultCurrency}
}

var defaultReducer = NewReducer(DefaultCurrency)

// Apply folds one event with the default currency.
func Apply(state AccountState, evt Event) (AccountState, error) {
	return defaultReducer.Apply(state, evt)
}

// Fold folds events in order with the default currency.
func Fold(state AccountState, events ...Event) (AccountState, error) {
	return defaultReducer.Fold(state, events...)
}

// Apply returns the state after evt. The input state is not modified.
func (r *Reducer) Apply(state AccountState, evt Event) (AccountState, error) {
	next := state.Clone()
	if err := r.apply(&next, evt); err != nil {
		return state, err
	}
	return next, nil
}

// Fold applies events in order. Each event must carry the sequence number
// directly after the state's version; a gap or repeat means the log or a
// snapshot is corrupt.
func (r *Reducer) Fold(state AccountState, events ...Event) (AccountState, error) {
	next := state.Clone()
	for _, evt := range events {
		if evt.SequenceNumber != next.Version+1 {
			return state, apperrors.ConsistencyViolation(
				"aggregate %s: expected sequence %d, got %d",
				evt.AggregateID, next.Version+1, evt.SequenceNumber,
			)
		}
		if err := r.apply(&next, evt); err != nil {
			return state, err
		}
	}
	return next, nil
}

func (r *Reducer) apply(s *AccountState, evt Event) error {
	payload, err := evt.Decode()
	if err != nil {
		var unknown *UnknownEventTypeError
		if errors.As(err, &unknown) {
			return apperrors.ConsistencyViolation("aggregate %s sequence %d: %v", evt.AggregateID, evt.SequenceNumber, err)
		}
		return apperrors.ConsistencyViolation("aggregate %s sequence %d: stored payload: %v", evt.AggregateID, evt.SequenceNumber, err)
	}

	if s.ProcessedTransactions == nil {
		s.ProcessedTransactions = map[string]struct{}{}
	}
	if s.AccountID == "" {
		s.AccountID = evt.AggregateID
	}

	switch p := payload.(type) {
	case AccountCreated:
		s.OwnerName = p.OwnerName
		s.Currency = p.Currency
		if s.Currency == "" {
			s.Currency = r.defaultCurrency
		}
		s.Balance = p.InitialBalance
		s.Status = AccountStatusOpen
		s.ProcessedTransactions = map[string]struct{}{}
	case MoneyDeposited:
		s.Balance = s.Balance.Add(p.Amount)
		s.ProcessedTransactions[p.TransactionID] = struct{}{}
	case MoneyWithdrawn:
		s.Balance = s.Balance.Sub(p.Amount)
		s.ProcessedTransactions[p.TransactionID] = struct{}{}
	case AccountClosed:
		s.Status = AccountStatusClosed
	}

	s.Version = evt.SequenceNumber
	return nil
}
