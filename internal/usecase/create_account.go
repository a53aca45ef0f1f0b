package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/eventstore"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
)

// CreateAccountInput represents the input for opening an account.
type CreateAccountInput struct {
	AccountID      string          `json:"account_id"`
	OwnerName      string          `json:"owner_name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	// Currency falls back to the configured default when empty.
	Currency string `json:"currency"`
}

// CreateAccountUseCase opens a new account stream.
type CreateAccountUseCase struct {
	store EventStore
}

// NewCreateAccountUseCase creates a new CreateAccountUseCase.
func NewCreateAccountUseCase(store EventStore) *CreateAccountUseCase {
	return &CreateAccountUseCase{store: store}
}

// Execute appends AccountCreated as the first event of the stream. The append
// expects version 0, so of two racing creations exactly one succeeds.
func (uc *CreateAccountUseCase) Execute(ctx context.Context, input CreateAccountInput) (*CommandOutput, error) {
	accountID, err := requireAccountID(input.AccountID)
	if err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(input.OwnerName)
	if owner == "" {
		return nil, invalid("owner_name", "owner name is required")
	}
	if input.InitialBalance.IsNegative() {
		return nil, invalid("initial_balance", "initial balance must not be negative")
	}

	existing, err := uc.store.Reconstruct(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, accountExists(accountID)
	}

	in, err := eventstore.NewAppendInput(accountID, domain.AccountCreated{
		OwnerName:      owner,
		InitialBalance: input.InitialBalance,
		Currency:       strings.ToUpper(strings.TrimSpace(input.Currency)),
	}, eventstore.ExpectVersion(0))
	if err != nil {
		return nil, err
	}
	res, err := uc.store.Append(ctx, in)
	if errors.Is(err, apperrors.ErrConcurrencyConflict) {
		return nil, accountExists(accountID)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Account created",
		zap.String("aggregate_id", accountID),
		zap.String("event_id", res.EventID),
	)
	return accepted(accountID, "Account creation accepted.", res), nil
}

func accountExists(accountID string) error {
	return apperrors.Conflict(apperrors.CodeAccountExists, "account already exists").
		WithParams(map[string]interface{}{"account_id": accountID})
}
