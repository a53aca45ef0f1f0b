// Package usecase holds the account commands. Each command reconstructs the
// account from the event log, checks its business rules against that state
// and appends one event with the reconstructed version as the expected
// version, so a concurrent writer surfaces as a concurrency conflict instead
// of a lost update.
package usecase

import (
	"context"
	"strings"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/eventstore"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

// EventStore is the slice of *eventstore.Store the commands need.
type EventStore interface {
	Append(ctx context.Context, in eventstore.AppendInput) (eventstore.AppendResult, error)
	Reconstruct(ctx context.Context, aggregateID string) (*domain.AccountState, error)
}

// CommandOutput is the outcome of an accepted command.
type CommandOutput struct {
	AccountID      string `json:"account_id"`
	Message        string `json:"message"`
	EventID        string `json:"event_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	// Duplicate is set when the command was already applied and nothing was
	// appended.
	Duplicate bool `json:"duplicate,omitempty"`
}

func accepted(accountID, message string, res eventstore.AppendResult) *CommandOutput {
	return &CommandOutput{
		AccountID:      accountID,
		Message:        message,
		EventID:        res.EventID,
		SequenceNumber: res.SequenceNumber,
	}
}

func duplicate(accountID, message string) *CommandOutput {
	return &CommandOutput{AccountID: accountID, Message: message, Duplicate: true}
}

// loadAccount reconstructs the account and rejects unknown accounts.
func loadAccount(ctx context.Context, store EventStore, accountID string) (*domain.AccountState, error) {
	state, err := store.Reconstruct(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state == nil || !state.Exists() {
		return nil, apperrors.ErrAccountNotFoundf(accountID)
	}
	return state, nil
}

func invalid(field, message string) error {
	return apperrors.BadRequest(apperrors.CodeValidationFailed, message).
		WithParams(map[string]interface{}{"field": field})
}

func requireAccountID(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", invalid("account_id", "account id is required")
	}
	return accountID, nil
}

func accountClosed(accountID string) error {
	return apperrors.Conflict(apperrors.CodeAccountClosed, "account is closed").
		WithParams(map[string]interface{}{"account_id": accountID})
}
