package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPool wraps failures to obtain a connection from the pool.
	ErrPool = errors.New("connection pool error")
	// ErrPoolClosing is returned to callers that arrive while ClosePool drains.
	ErrPoolClosing = errors.New("connection pool is closing")
)

// Pool status values reported by GetPoolStatus.
const (
	PoolNotInitialized = "not_initialized"
	PoolActive         = "active"
)

// PoolStatus is a snapshot of the pool.
type PoolStatus struct {
	Status    string `json:"status"`
	Size      int    `json:"size"`
	MinSize   int    `json:"min_size"`
	MaxSize   int    `json:"max_size"`
	IdleSize  int    `json:"idle_size"`
	InUse     int    `json:"in_use"`
	WaitCount int64  `json:"wait_count"`
}

// Conn is a connection checked out of a PoolManager. Return it with
// ReleaseConnection; releasing twice is a no-op.
type Conn struct {
	*sql.Conn
	released atomic.Bool
}

// OpenFunc opens the underlying database handle.
type OpenFunc func(ctx context.Context, cfg *Config) (*sql.DB, error)

// PoolManager owns the worker's single bounded connection pool. It is created
// lazily and must be closed explicitly.
type PoolManager struct {
	cfg   *Config
	retry RetryConfig
	open  OpenFunc

	mu      sync.Mutex
	client  *sql.DB
	closing bool
	// drained is closed when active drops to zero while closing is set.
	drained chan struct{}
	// active counts acquires in flight plus checked-out connections; inUse
	// counts checked-out connections only.
	active atomic.Int64
	inUse  atomic.Int64
}

// PoolOption customises a PoolManager.
type PoolOption func(*PoolManager)

// WithOpener replaces the pgx opener, typically with a sqlmock handle in tests.
func WithOpener(open OpenFunc) PoolOption {
	return func(pm *PoolManager) { pm.open = open }
}

// WithRetryConfig sets the start-up connection retry policy.
func WithRetryConfig(rc RetryConfig) PoolOption {
	return func(pm *PoolManager) { pm.retry = rc }
}

// NewPoolManager creates an uninitialised pool manager.
func NewPoolManager(cfg *Config, opts ...PoolOption) *PoolManager {
	pm := &PoolManager{
		cfg:   cfg,
		retry: DefaultRetryConfig(),
		open:  openPgx,
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

var (
	defaultPool     *PoolManager
	defaultPoolOnce sync.Once
)

// DefaultPoolManager returns the process-wide pool manager configured from
// the environment. Prefer passing a PoolManager explicitly.
func DefaultPoolManager() *PoolManager {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPoolManager(ConfigFromEnv())
	})
	return defaultPool
}

// Config returns the pool configuration.
func (pm *PoolManager) Config() *Config { return pm.cfg }

// Initialize opens the pool and warms MinSize connections. Calling it on an
// initialised pool logs a warning and returns nil.
func (pm *PoolManager) Initialize(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.initializeLocked(ctx)
}

func (pm *PoolManager) initializeLocked(ctx context.Context) error {
	if pm.client != nil {
		log.Warn().Msg("Connection pool already initialised")
		return nil
	}
	if err := pm.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid pool configuration: %w", err)
	}

	span := sentry.StartSpan(ctx, "db.pool.initialize")
	defer span.Finish()

	client, err := openWithRetry(ctx, pm.retry, func(ctx context.Context) (*sql.DB, error) {
		return pm.open(ctx, pm.cfg)
	})
	if err != nil {
		return fmt.Errorf("%w: initialise: %w", ErrPool, err)
	}

	client.SetMaxOpenConns(pm.cfg.MaxSize)
	client.SetMaxIdleConns(pm.cfg.MaxSize)
	if pm.cfg.MaxLifetime > 0 {
		client.SetConnMaxLifetime(pm.cfg.MaxLifetime)
	}
	if pm.cfg.MaxIdleTime > 0 {
		client.SetConnMaxIdleTime(pm.cfg.MaxIdleTime)
	}

	if err := warmUp(ctx, client, pm.cfg.MinSize); err != nil {
		client.Close()
		return fmt.Errorf("%w: warm up: %w", ErrPool, err)
	}

	pm.client = client
	log.Info().
		Int("min_size", pm.cfg.MinSize).
		Int("max_size", pm.cfg.MaxSize).
		Msg("Connection pool initialised")
	return nil
}

// warmUp opens n connections at once and returns them to the idle set.
func warmUp(ctx context.Context, client *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := client.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	return nil
}

// handle returns the open pool, initialising it on first use.
func (pm *PoolManager) handle(ctx context.Context) (*sql.DB, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.handleLocked(ctx)
}

func (pm *PoolManager) handleLocked(ctx context.Context) (*sql.DB, error) {
	if pm.closing {
		return nil, fmt.Errorf("%w: %w", ErrPool, ErrPoolClosing)
	}
	if pm.client == nil {
		if err := pm.initializeLocked(ctx); err != nil {
			return nil, err
		}
	}
	return pm.client, nil
}

// DB returns the underlying handle for callers that manage their own
// connections, such as migrations. The pool is initialised if needed.
func (pm *PoolManager) DB(ctx context.Context) (*sql.DB, error) {
	return pm.handle(ctx)
}

// AcquireConnection checks out a connection, waiting while MaxSize
// connections are in use.
func (pm *PoolManager) AcquireConnection(ctx context.Context) (*Conn, error) {
	// The slot is reserved under mu so ClosePool sees it before closing.
	pm.mu.Lock()
	client, err := pm.handleLocked(ctx)
	if err == nil {
		pm.active.Add(1)
	}
	pm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := client.Conn(ctx)
	if err != nil {
		pm.releaseSlot()
		stats := client.Stats()
		log.Error().
			Err(err).
			Int("open", stats.OpenConnections).
			Int("in_use", stats.InUse).
			Int("max", stats.MaxOpenConnections).
			Msg("Failed to acquire database connection")
		return nil, fmt.Errorf("%w: acquire: %w", ErrPool, err)
	}
	pm.inUse.Add(1)
	return &Conn{Conn: c}, nil
}

// ReleaseConnection returns conn to the pool. Nil and already released
// connections are ignored.
func (pm *PoolManager) ReleaseConnection(conn *Conn) {
	if conn == nil || !conn.released.CompareAndSwap(false, true) {
		return
	}
	if err := conn.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		log.Warn().Err(err).Msg("Error returning connection to pool")
	}
	pm.inUse.Add(-1)
	pm.releaseSlot()
}

func (pm *PoolManager) releaseSlot() {
	if pm.active.Add(-1) > 0 {
		return
	}
	pm.mu.Lock()
	if pm.drained != nil {
		close(pm.drained)
		pm.drained = nil
	}
	pm.mu.Unlock()
}

// WithConnection runs fn with a checked-out connection and always releases it.
func (pm *PoolManager) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *Conn) error) error {
	conn, err := pm.AcquireConnection(ctx)
	if err != nil {
		return err
	}
	defer pm.ReleaseConnection(conn)
	return fn(ctx, conn)
}

// WithTx runs fn in a transaction on a checked-out connection.
func (pm *PoolManager) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return pm.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// ClosePool waits up to CloseTimeout for checked-out connections to be
// released, then closes the pool. Acquires during the wait fail with
// ErrPoolClosing. Closing an uninitialised or closing pool is a no-op.
func (pm *PoolManager) ClosePool() error {
	pm.mu.Lock()
	client := pm.client
	if client == nil || pm.closing {
		pm.mu.Unlock()
		return nil
	}
	pm.closing = true
	var drained chan struct{}
	if pm.active.Load() > 0 {
		drained = make(chan struct{})
		pm.drained = drained
	}
	pm.mu.Unlock()

	defer func() {
		pm.mu.Lock()
		pm.client = nil
		pm.closing = false
		pm.drained = nil
		pm.mu.Unlock()
	}()

	if drained != nil {
		timeout := pm.cfg.CloseTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			log.Warn().Int64("in_use", pm.inUse.Load()).Msg("Closing pool with connections still checked out")
		}
	}

	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close pool: %w", err)
	}
	log.Info().Msg("Connection pool closed")
	return nil
}

// GetPoolStatus reports pool occupancy.
func (pm *PoolManager) GetPoolStatus() PoolStatus {
	pm.mu.Lock()
	client := pm.client
	pm.mu.Unlock()

	if client == nil {
		return PoolStatus{Status: PoolNotInitialized, MinSize: pm.cfg.MinSize, MaxSize: pm.cfg.MaxSize}
	}

	stats := client.Stats()
	return PoolStatus{
		Status:    PoolActive,
		Size:      stats.OpenConnections,
		MinSize:   pm.cfg.MinSize,
		MaxSize:   pm.cfg.MaxSize,
		IdleSize:  stats.Idle,
		InUse:     stats.InUse,
		WaitCount: stats.WaitCount,
	}
}

// InUse returns the number of connections currently checked out through
// AcquireConnection.
func (pm *PoolManager) InUse() int {
	return int(pm.inUse.Load())
}

// WithPool initialises pm, runs fn, and closes the pool on every exit path
// including panics. The error from fn is returned unchanged.
func (pm *PoolManager) WithPool(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := pm.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := pm.ClosePool(); cerr != nil {
			log.Warn().Err(cerr).Msg("Error closing pool after scoped use")
		}
	}()
	return fn(ctx)
}
