package usecase

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/eventstore"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
)

// MoveMoneyInput represents a deposit or a withdrawal.
type MoveMoneyInput struct {
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description"`
}

func (in *MoveMoneyInput) normalize() error {
	accountID, err := requireAccountID(in.AccountID)
	if err != nil {
		return err
	}
	in.AccountID = accountID
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	if in.TransactionID == "" {
		return invalid("transaction_id", "transaction id is required")
	}
	if !in.Amount.IsPositive() {
		return invalid("amount", "amount must be positive")
	}
	return nil
}

// DepositUseCase credits an open account.
type DepositUseCase struct {
	store EventStore
}

// NewDepositUseCase creates a new DepositUseCase.
func NewDepositUseCase(store EventStore) *DepositUseCase {
	return &DepositUseCase{store: store}
}

// Execute appends MoneyDeposited unless the transaction id was already
// processed, in which case the command is accepted without an append.
func (uc *DepositUseCase) Execute(ctx context.Context, input MoveMoneyInput) (*CommandOutput, error) {
	if err := input.normalize(); err != nil {
		return nil, err
	}
	state, err := loadAccount(ctx, uc.store, input.AccountID)
	if err != nil {
		return nil, err
	}
	if state.IsClosed() {
		return nil, accountClosed(input.AccountID)
	}
	if state.HasProcessed(input.TransactionID) {
		logDuplicate(input)
		return duplicate(input.AccountID, "Deposit already processed."), nil
	}

	res, err := appendAt(ctx, uc.store, input.AccountID, state.Version, domain.MoneyDeposited{
		Amount:        input.Amount,
		TransactionID: input.TransactionID,
		Description:   input.Description,
	})
	if err != nil {
		return nil, err
	}
	return accepted(input.AccountID, "Deposit accepted.", res), nil
}

// WithdrawUseCase debits an open account with sufficient funds.
type WithdrawUseCase struct {
	store EventStore
}

// NewWithdrawUseCase creates a new WithdrawUseCase.
func NewWithdrawUseCase(store EventStore) *WithdrawUseCase {
	return &WithdrawUseCase{store: store}
}

// Execute appends MoneyWithdrawn. The funds check runs against the
// reconstructed balance; the expected version rejects the append if another
// command changed the balance in between.
func (uc *WithdrawUseCase) Execute(ctx context.Context, input MoveMoneyInput) (*CommandOutput, error) {
	if err := input.normalize(); err != nil {
		return nil, err
	}
	state, err := loadAccount(ctx, uc.store, input.AccountID)
	if err != nil {
		return nil, err
	}
	if state.IsClosed() {
		return nil, accountClosed(input.AccountID)
	}
	if state.HasProcessed(input.TransactionID) {
		logDuplicate(input)
		return duplicate(input.AccountID, "Withdrawal already processed."), nil
	}
	if state.Balance.LessThan(input.Amount) {
		return nil, apperrors.Conflict(apperrors.CodeInsufficientFunds, "insufficient funds").
			WithParams(map[string]interface{}{
				"account_id": input.AccountID,
				"balance":    state.Balance.String(),
				"amount":     input.Amount.String(),
			})
	}

	res, err := appendAt(ctx, uc.store, input.AccountID, state.Version, domain.MoneyWithdrawn{
		Amount:        input.Amount,
		TransactionID: input.TransactionID,
		Description:   input.Description,
	})
	if err != nil {
		return nil, err
	}
	return accepted(input.AccountID, "Withdrawal accepted.", res), nil
}

func appendAt(ctx context.Context, store EventStore, accountID string, version int64, p domain.Payload) (eventstore.AppendResult, error) {
	in, err := eventstore.NewAppendInput(accountID, p, eventstore.ExpectVersion(version))
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	return store.Append(ctx, in)
}

func logDuplicate(input MoveMoneyInput) {
	logger.Info("Transaction already processed",
		zap.String("aggregate_id", input.AccountID),
		zap.String("transaction_id", input.TransactionID),
	)
}
