package usecase

import (
	"context"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

// CloseAccountInput represents the input for closing an account.
type CloseAccountInput struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// CloseAccountUseCase closes an account with a zero balance.
type CloseAccountUseCase struct {
	store EventStore
}

// NewCloseAccountUseCase creates a new CloseAccountUseCase.
func NewCloseAccountUseCase(store EventStore) *CloseAccountUseCase {
	return &CloseAccountUseCase{store: store}
}

// Execute appends AccountClosed. Closing a closed account is accepted
// without an append.
func (uc *CloseAccountUseCase) Execute(ctx context.Context, input CloseAccountInput) (*CommandOutput, error) {
	accountID, err := requireAccountID(input.AccountID)
	if err != nil {
		return nil, err
	}
	state, err := loadAccount(ctx, uc.store, accountID)
	if err != nil {
		return nil, err
	}
	if state.IsClosed() {
		return duplicate(accountID, "Account is already closed."), nil
	}
	if !state.Balance.IsZero() {
		return nil, apperrors.Conflict(apperrors.CodeAccountBalanceNonZero, "account balance must be zero to close").
			WithParams(map[string]interface{}{
				"account_id": accountID,
				"balance":    state.Balance.String(),
			})
	}

	res, err := appendAt(ctx, uc.store, accountID, state.Version, domain.AccountClosed{Reason: input.Reason})
	if err != nil {
		return nil, err
	}
	return accepted(accountID, "Account close accepted.", res), nil
}
