package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Config holds PostgreSQL connection and pool configuration
type Config struct {
	Host        string // Database host
	Port        string // Database port
	User        string // Database user
	Password    string // Database password
	Database    string // Database name
	SSLMode     string // SSL mode (disable, require, verify-ca, verify-full)
	DatabaseURL string // DATABASE_URL if set; takes precedence over the fields above

	MinSize          int           // Connections opened during Initialize
	MaxSize          int           // Upper bound on open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	MaxIdleTime      time.Duration // Idle connections older than this are closed
	StatementTimeout time.Duration // Server-side statement_timeout
	ApplicationName  string        // Reported in pg_stat_activity
	CloseTimeout     time.Duration // How long ClosePool waits for in-flight connections
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	dsn := c.DatabaseURL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	}
	dsn = AugmentDSNWithTimeout(dsn, int(c.StatementTimeout/time.Millisecond))
	return AugmentDSNWithApplicationName(dsn, c.ApplicationName)
}

// Validate checks the pool bounds.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		if c.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.MaxSize < 1 {
		return fmt.Errorf("pool max size must be at least 1, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("pool min size must be between 0 and %d, got %d", c.MaxSize, c.MinSize)
	}
	return nil
}

// ConfigFromEnv reads connection settings from the environment.
// DATABASE_URL is preferred; otherwise POSTGRES_HOST, POSTGRES_PORT,
// POSTGRES_USER, POSTGRES_PASSWORD and POSTGRES_DB are used with local defaults.
func ConfigFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MinSize:          envInt("DB_POOL_MIN_SIZE", 2),
		MaxSize:          envInt("DB_POOL_MAX_SIZE", 10),
		MaxLifetime:      20 * time.Minute,
		MaxIdleTime:      5 * time.Minute,
		StatementTimeout: time.Duration(envInt("DB_STATEMENT_TIMEOUT_MS", 60000)) * time.Millisecond,
		ApplicationName:  os.Getenv("DB_APPLICATION_NAME"),
		CloseTimeout:     10 * time.Second,
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "docworker"
	}
	if cfg.DatabaseURL != "" {
		return cfg
	}

	cfg.Host = os.Getenv("POSTGRES_HOST")
	cfg.Port = os.Getenv("POSTGRES_PORT")
	cfg.User = os.Getenv("POSTGRES_USER")
	cfg.Password = os.Getenv("POSTGRES_PASSWORD")
	cfg.Database = os.Getenv("POSTGRES_DB")
	cfg.SSLMode = os.Getenv("POSTGRES_SSL_MODE")

	// Use defaults if not set
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}
	if cfg.Database == "" {
		cfg.Database = "docpipe"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return cfg
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// openPgx opens a database/sql handle backed by pgx with statement and
// description caches disabled so the pool works behind transaction-mode
// poolers such as PgBouncer and Supavisor.
func openPgx(ctx context.Context, cfg *Config) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	connConfig.StatementCacheCapacity = 0
	connConfig.DescriptionCacheCapacity = 0

	client := stdlib.OpenDB(*connConfig)
	if err := client.PingContext(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return client, nil
}
