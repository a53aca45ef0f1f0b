package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"ledgerd.io/ledgerd/internal/api/handlers"
	"ledgerd.io/ledgerd/internal/eventstore"
	"ledgerd.io/ledgerd/internal/projection"
	"ledgerd.io/ledgerd/internal/service"
	"ledgerd.io/ledgerd/internal/usecase"
)

// LedgerModule wires the event store, the projection engine, the account
// commands and the account queries.
type LedgerModule struct {
	store   *eventstore.Store
	engine  *projection.Engine
	queries *service.AccountQueryService

	createAccount *usecase.CreateAccountUseCase
	deposit       *usecase.DepositUseCase
	withdraw      *usecase.WithdrawUseCase
	closeAccount  *usecase.CloseAccountUseCase
}

// NewLedgerModule creates the ledger module.
func NewLedgerModule(infra *Infrastructure) (*LedgerModule, error) {
	if infra == nil || infra.Backend == nil || infra.Config == nil {
		return nil, fmt.Errorf("ledger module requires a storage backend and config")
	}
	cfg := infra.Config

	engine := projection.NewEngine(infra.Backend, infra.Backend, cfg.EventStore.DefaultCurrency)

	opts := eventstore.DefaultOptions()
	opts.SnapshotInterval = cfg.EventStore.SnapshotInterval
	opts.AppendRetries = cfg.EventStore.AppendRetries
	opts.AppendTimeout = cfg.EventStore.AppendTimeout
	opts.ProjectionTimeout = cfg.Projection.ApplyTimeout
	if infra.Pools != nil {
		opts.Defer = func(ctx context.Context, task func(ctx context.Context)) error {
			return infra.Pools.General.Submit(ctx, task)
		}
	}
	store := eventstore.New(infra.Backend, engine, infra.Reducer, opts)

	return &LedgerModule{
		store:         store,
		engine:        engine,
		queries:       service.NewAccountQueryService(infra.Backend, infra.Backend, infra.Reducer, engine),
		createAccount: usecase.NewCreateAccountUseCase(store),
		deposit:       usecase.NewDepositUseCase(store),
		withdraw:      usecase.NewWithdrawUseCase(store),
		closeAccount:  usecase.NewCloseAccountUseCase(store),
	}, nil
}

func (m *LedgerModule) Name() string { return "ledger" }

// Store returns the event store.
func (m *LedgerModule) Store() *eventstore.Store { return m.store }

// Engine returns the projection engine.
func (m *LedgerModule) Engine() *projection.Engine { return m.engine }

func (m *LedgerModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.CreateAccount = m.createAccount
	deps.Deposit = m.deposit
	deps.Withdraw = m.withdraw
	deps.CloseAccount = m.closeAccount
	deps.Queries = m.queries
}

func (m *LedgerModule) RegisterWorkers(*river.Workers) {}

func (m *LedgerModule) PeriodicJobs() []*river.PeriodicJob { return nil }

func (m *LedgerModule) Shutdown(context.Context) error { return nil }

// CreateAccount returns the account creation use case.
func (m *LedgerModule) CreateAccount() *usecase.CreateAccountUseCase { return m.createAccount }

// Deposit returns the deposit use case.
func (m *LedgerModule) Deposit() *usecase.DepositUseCase { return m.deposit }

// Withdraw returns the withdrawal use case.
func (m *LedgerModule) Withdraw() *usecase.WithdrawUseCase { return m.withdraw }

// CloseAccount returns the account closing use case.
func (m *LedgerModule) CloseAccount() *usecase.CloseAccountUseCase { return m.closeAccount }
