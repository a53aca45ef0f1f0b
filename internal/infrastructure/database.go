// Package infrastructure provides database and connection pool setup.
//
// On Postgres one pgxpool is shared by the event log, the projections and
// River. On SQLite there is no River client and periodic rebuilds are off.
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/config"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/storage"
	"ledgerd.io/ledgerd/internal/storage/postgres"
	"ledgerd.io/ledgerd/internal/storage/sqlite"
)

// DatabaseClients contains all database-related clients.
type DatabaseClients struct {
	// Driver is config.DriverPostgres or config.DriverSQLite.
	Driver string

	// Backend is the ledger storage: event log, snapshots and projections.
	Backend storage.Backend

	// Pool is the shared Postgres connection pool. nil on SQLite.
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client. nil on SQLite and until
	// InitRiverClient runs.
	RiverClient *river.Client[pgx.Tx]

	pgStore *postgres.Store
}

// NewDatabaseClients opens the configured backend.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("SQLite ledger opened", zap.String("path", cfg.SQLitePath))
		return &DatabaseClients{Driver: config.DriverSQLite, Backend: store}, nil
	case config.DriverPostgres:
		return newPostgresClients(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newPostgresClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	// recorded_at is compared across sessions; keep every connection in UTC.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)

	store := postgres.New(pool)
	return &DatabaseClients{
		Driver:  config.DriverPostgres,
		Backend: store,
		Pool:    pool,
		pgStore: store,
	}, nil
}

// AutoMigrate creates the ledger tables and the River queue tables.
// SQLite migrates on open, so this is a no-op there.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	if c.pgStore == nil {
		return nil
	}

	logger.Info("Running ledger schema migration...")
	if err := c.pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("ledger migrate: %w", err)
	}
	logger.Info("Ledger schema migration completed")

	logger.Info("Running River migration...")
	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("River migration completed",
			zap.Int("versions_applied", len(res.Versions)),
		)
	} else {
		logger.Info("River migration: already up-to-date")
	}
	return nil
}

// InitRiverClient creates a River client with registered workers. It does
// nothing on SQLite.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, cfg config.RiverConfig) error {
	if c.Pool == nil {
		logger.Info("River disabled: requires the postgres driver", zap.String("driver", c.Driver))
		return nil
	}
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:                     workers,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("River client initialized", zap.Int("max_workers", cfg.MaxWorkers))
	return nil
}

// Close closes the backend and the connection pool.
func (c *DatabaseClients) Close() {
	if c.Backend != nil {
		if err := c.Backend.Close(); err != nil {
			logger.Warn("close ledger backend", zap.Error(err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
