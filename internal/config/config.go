// Package config provides configuration management for ledgerd.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	EventStore EventStoreConfig `mapstructure:"eventstore"`
	Projection ProjectionConfig `mapstructure:"projection"`
}

// ServerConfig contains HTTP server settings.
// UnsafeAllowAllOrigins honors a "*" entry in AllowedOrigins and turns
// AllowCredentials off.
type ServerConfig struct {
	Port                  int           `mapstructure:"port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`
	AllowCredentials      bool          `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool          `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig selects the storage backend and its connection settings.
// The Postgres pool is shared by the event log, the projections and River.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`

	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	// SQLitePath is the database file used when Driver is "sqlite".
	SQLitePath string `mapstructure:"sqlite_path"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings (Postgres backend only).
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize    int `mapstructure:"general_pool_size"`
	ProjectionPoolSize int `mapstructure:"projection_pool_size"`
}

// EventStoreConfig tunes the append path.
type EventStoreConfig struct {
	// SnapshotInterval: a snapshot is written when sequence % interval == 0.
	SnapshotInterval int64 `mapstructure:"snapshot_interval"`
	// DefaultCurrency is used when AccountCreated carries no currency.
	DefaultCurrency string `mapstructure:"default_currency"`
	// AppendRetries bounds retries of an unconditional append that lost a
	// sequence race to a concurrent writer.
	AppendRetries int `mapstructure:"append_retries"`
	// AppendTimeout bounds the transactional phase of an append.
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
}

// ProjectionConfig tunes the projection engine and rebuilder.
type ProjectionConfig struct {
	RebuildBatchSize int           `mapstructure:"rebuild_batch_size"`
	RebuildInterval  time.Duration `mapstructure:"rebuild_interval"` // 0 disables periodic rebuilds
	ApplyTimeout     time.Duration `mapstructure:"apply_timeout"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ledgerd")

	// database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			return fmt.Errorf("database.sqlite_path must not be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.EventStore.SnapshotInterval <= 0 {
		return fmt.Errorf("eventstore.snapshot_interval must be positive")
	}
	if c.EventStore.AppendRetries < 0 {
		return fmt.Errorf("eventstore.append_retries must not be negative")
	}
	if strings.TrimSpace(c.EventStore.DefaultCurrency) == "" {
		return fmt.Errorf("eventstore.default_currency must not be empty")
	}
	if c.Projection.RebuildBatchSize <= 0 {
		return fmt.Errorf("projection.rebuild_batch_size must be positive")
	}
	if c.Projection.RebuildInterval < 0 {
		return fmt.Errorf("projection.rebuild_interval must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", false)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledgerd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "ledgerd")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.sqlite_path", "ledgerd.db")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker Pool
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.projection_pool_size", 4)

	// Event store
	v.SetDefault("eventstore.snapshot_interval", 50)
	v.SetDefault("eventstore.default_currency", "USD")
	v.SetDefault("eventstore.append_retries", 3)
	v.SetDefault("eventstore.append_timeout", "10s")

	// Projections
	v.SetDefault("projection.rebuild_batch_size", 500)
	v.SetDefault("projection.rebuild_interval", "0s")
	v.SetDefault("projection.apply_timeout", "5s")
}
