// Package app is the composition root: it builds the infrastructure, the
// modules and the HTTP router from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"ledgerd.io/ledgerd/internal/api/handlers"
	"ledgerd.io/ledgerd/internal/app/modules"
	"ledgerd.io/ledgerd/internal/config"
	"ledgerd.io/ledgerd/internal/infrastructure"
	"ledgerd.io/ledgerd/internal/pkg/worker"
	"ledgerd.io/ledgerd/internal/projection"
	"ledgerd.io/ledgerd/internal/usecase"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Modules []modules.Module

	// Commands exposes the account use cases to non-HTTP callers such as
	// cmd/seed.
	Commands  Commands
	Rebuilder *projection.Rebuilder
}

// Commands groups the account use cases.
type Commands struct {
	CreateAccount *usecase.CreateAccountUseCase
	Deposit       *usecase.DepositUseCase
	Withdraw      *usecase.WithdrawUseCase
	CloseAccount  *usecase.CloseAccountUseCase
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	ledgerModule, err := modules.NewLedgerModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init ledger module: %w", err)
	}
	projectionModule, err := modules.NewProjectionModule(infra, ledgerModule.Engine())
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init projection module: %w", err)
	}
	allModules := []modules.Module{ledgerModule, projectionModule}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	if infra.RiverClient != nil {
		for _, mod := range allModules {
			for _, job := range mod.PeriodicJobs() {
				infra.RiverClient.PeriodicJobs().Add(job)
			}
		}
	}

	serverDeps := modules.NewServerDeps(infra, allModules)
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server),
		DB:      infra.DB,
		Pools:   infra.Pools,
		Modules: allModules,
		Commands: Commands{
			CreateAccount: ledgerModule.CreateAccount(),
			Deposit:       ledgerModule.Deposit(),
			Withdraw:      ledgerModule.Withdraw(),
			CloseAccount:  ledgerModule.CloseAccount(),
		},
		Rebuilder: projectionModule.Rebuilder(),
	}, nil
}
