// Package handlers implements the HTTP handlers of ledgerd.
//
// Handlers translate requests into use case inputs and report failures with
// c.Error; middleware.ErrorHandler renders them. Route registration lives in
// the composition root (internal/app).
package handlers

import (
	"context"
	"time"

	"ledgerd.io/ledgerd/internal/pkg/worker"
	"ledgerd.io/ledgerd/internal/projection"
	"ledgerd.io/ledgerd/internal/service"
	"ledgerd.io/ledgerd/internal/usecase"
)

// AccountCreator opens accounts. *usecase.CreateAccountUseCase implements it.
type AccountCreator interface {
	Execute(ctx context.Context, input usecase.CreateAccountInput) (*usecase.CommandOutput, error)
}

// MoneyMover deposits or withdraws. *usecase.DepositUseCase and
// *usecase.WithdrawUseCase implement it.
type MoneyMover interface {
	Execute(ctx context.Context, input usecase.MoveMoneyInput) (*usecase.CommandOutput, error)
}

// AccountCloser closes accounts. *usecase.CloseAccountUseCase implements it.
type AccountCloser interface {
	Execute(ctx context.Context, input usecase.CloseAccountInput) (*usecase.CommandOutput, error)
}

// AccountQueries answers reads. *service.AccountQueryService implements it.
type AccountQueries interface {
	GetAccount(ctx context.Context, accountID string) (*service.AccountView, error)
	ListEvents(ctx context.Context, accountID string) ([]service.EventView, error)
	BalanceAt(ctx context.Context, accountID string, at time.Time) (*service.BalanceAtView, error)
	ListTransactions(ctx context.Context, accountID string, page, pageSize int) (*service.TransactionPage, error)
	ProjectionStatus(ctx context.Context) (projection.StatusReport, error)
}

// RebuildStarter starts background rebuilds. *projection.Rebuilder
// implements it.
type RebuildStarter interface {
	Start() error
	State() projection.RebuildState
}

// Pinger checks backend reachability. Every storage.Backend implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	createAccount AccountCreator
	deposit       MoneyMover
	withdraw      MoneyMover
	closeAccount  AccountCloser
	queries       AccountQueries
	rebuilder     RebuildStarter
	backend       Pinger
	pools         *worker.Pools
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	CreateAccount AccountCreator
	Deposit       MoneyMover
	Withdraw      MoneyMover
	CloseAccount  AccountCloser
	Queries       AccountQueries
	Rebuilder     RebuildStarter
	Backend       Pinger
	// Pools is optional; when set, readiness reports pool metrics.
	Pools *worker.Pools
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		createAccount: deps.CreateAccount,
		deposit:       deps.Deposit,
		withdraw:      deps.Withdraw,
		closeAccount:  deps.CloseAccount,
		queries:       deps.Queries,
		rebuilder:     deps.Rebuilder,
		backend:       deps.Backend,
		pools:         deps.Pools,
	}
}
