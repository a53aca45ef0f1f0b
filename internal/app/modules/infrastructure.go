package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"ledgerd.io/ledgerd/internal/config"
	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/infrastructure"
	"ledgerd.io/ledgerd/internal/pkg/worker"
	"ledgerd.io/ledgerd/internal/storage"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Backend     storage.Backend
	Pools       *worker.Pools
	Reducer     *domain.Reducer
	RiverClient *river.Client[pgx.Tx]
}

// NewInfrastructure opens the backend and the worker pools.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    cfg.Worker.GeneralPoolSize,
		ProjectionPoolSize: cfg.Worker.ProjectionPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	return &Infrastructure{
		Config:  cfg,
		DB:      db,
		Backend: db.Backend,
		Pools:   pools,
		Reducer: domain.NewReducer(cfg.EventStore.DefaultCurrency),
	}, nil
}

// InitRiver initializes the River client on top of a prepared worker
// registry. On SQLite the client stays nil.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
