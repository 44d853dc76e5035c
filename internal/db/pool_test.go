package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(maxSize int) *Config {
	return &Config{
		DatabaseURL:  "postgres://test@localhost/test",
		MinSize:      0,
		MaxSize:      maxSize,
		CloseTimeout: 200 * time.Millisecond,
	}
}

// newMockPool returns a pool manager whose opener hands out a sqlmock handle.
func newMockPool(t *testing.T, maxSize int) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	opens := 0
	pm := NewPoolManager(testConfig(maxSize), WithOpener(func(context.Context, *Config) (*sql.DB, error) {
		opens++
		if opens > 1 {
			return nil, errors.New("opener called twice")
		}
		return mockDB, nil
	}))
	return pm, mock
}

func TestPoolStatusBeforeInitialize(t *testing.T) {
	pm, _ := newMockPool(t, 5)

	status := pm.GetPoolStatus()
	assert.Equal(t, PoolNotInitialized, status.Status)
	assert.Equal(t, 5, status.MaxSize)
	assert.Equal(t, 0, status.Size)
}

func TestPoolInitializeIsIdempotent(t *testing.T) {
	pm, _ := newMockPool(t, 5)
	ctx := context.Background()

	require.NoError(t, pm.Initialize(ctx))
	require.NoError(t, pm.Initialize(ctx), "second initialise only warns")

	status := pm.GetPoolStatus()
	assert.Equal(t, PoolActive, status.Status)
	assert.Equal(t, 5, status.MaxSize)
	assert.LessOrEqual(t, status.IdleSize, status.Size)
	assert.LessOrEqual(t, status.Size, status.MaxSize)
}

func TestPoolInitializeRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"zero max", &Config{DatabaseURL: "postgres://x", MaxSize: 0}},
		{"min above max", &Config{DatabaseURL: "postgres://x", MinSize: 5, MaxSize: 2}},
		{"missing host", &Config{User: "u", Database: "d", MaxSize: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := NewPoolManager(tt.cfg, WithOpener(func(context.Context, *Config) (*sql.DB, error) {
				t.Fatal("opener must not be called")
				return nil, nil
			}))
			err := pm.Initialize(context.Background())
			assert.Error(t, err)
			assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
		})
	}
}

func TestPoolInitializeWrapsOpenError(t *testing.T) {
	pm := NewPoolManager(testConfig(2),
		WithRetryConfig(RetryConfig{MaxAttempts: 1}),
		WithOpener(func(context.Context, *Config) (*sql.DB, error) {
			return nil, errors.New("password authentication failed")
		}))

	err := pm.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPool)
}

func TestAcquireInitialisesLazily(t *testing.T) {
	pm, mock := newMockPool(t, 2)
	ctx := context.Background()

	conn, err := pm.AcquireConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, PoolActive, pm.GetPoolStatus().Status)
	assert.Equal(t, 1, pm.InUse())

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = conn.ExecContext(ctx, "SELECT 1")
	require.NoError(t, err)

	pm.ReleaseConnection(conn)
	assert.Equal(t, 0, pm.InUse())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseIsIdempotentAndNilSafe(t *testing.T) {
	pm, _ := newMockPool(t, 2)

	conn, err := pm.AcquireConnection(context.Background())
	require.NoError(t, err)

	pm.ReleaseConnection(conn)
	pm.ReleaseConnection(conn)
	pm.ReleaseConnection(nil)

	assert.Equal(t, 0, pm.InUse())
}

func TestAcquireWaitsWhenPoolExhausted(t *testing.T) {
	pm, _ := newMockPool(t, 2)
	ctx := context.Background()

	c1, err := pm.AcquireConnection(ctx)
	require.NoError(t, err)
	c2, err := pm.AcquireConnection(ctx)
	require.NoError(t, err)

	status := pm.GetPoolStatus()
	assert.Equal(t, 2, status.InUse)
	assert.LessOrEqual(t, status.Size, status.MaxSize)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pm.AcquireConnection(timeoutCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPool)

	got := make(chan *Conn, 1)
	go func() {
		c, err := pm.AcquireConnection(ctx)
		if err == nil {
			got <- c
		}
	}()

	pm.ReleaseConnection(c1)
	select {
	case c3 := <-got:
		pm.ReleaseConnection(c3)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	pm.ReleaseConnection(c2)
	assert.Equal(t, 0, pm.InUse())
}

func TestConcurrentAcquireNeverExceedsMax(t *testing.T) {
	pm, _ := newMockPool(t, 3)
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx))

	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pm.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
				mu.Lock()
				if n := pm.InUse(); n > peak {
					peak = n
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, pm.InUse())
	assert.LessOrEqual(t, pm.GetPoolStatus().Size, 3)
}

func TestWithConnectionReleasesOnError(t *testing.T) {
	pm, _ := newMockPool(t, 1)
	want := errors.New("stage failed")

	err := pm.WithConnection(context.Background(), func(context.Context, *Conn) error { return want })
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 0, pm.InUse())
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	pm, mock := newMockPool(t, 1)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pm.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE documents SET page_count = 1")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	want := errors.New("abort")
	err = pm.WithTx(ctx, func(*sql.Tx) error { return want })
	assert.ErrorIs(t, err, want)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePoolIsIdempotent(t *testing.T) {
	pm, mock := newMockPool(t, 2)
	require.NoError(t, pm.Initialize(context.Background()))

	mock.ExpectClose()
	assert.NoError(t, pm.ClosePool())
	assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
	assert.NoError(t, pm.ClosePool())
}

func TestWithPoolClosesOnEveryPath(t *testing.T) {
	t.Run("error is returned unchanged", func(t *testing.T) {
		pm, mock := newMockPool(t, 2)
		mock.ExpectClose()
		want := errors.New("work failed")

		err := pm.WithPool(context.Background(), func(context.Context) error { return want })
		assert.Same(t, want, err)
		assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
	})

	t.Run("panic", func(t *testing.T) {
		pm, mock := newMockPool(t, 2)
		mock.ExpectClose()

		assert.Panics(t, func() {
			_ = pm.WithPool(context.Background(), func(context.Context) error { panic("boom") })
		})
		assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
	})

	t.Run("cancellation", func(t *testing.T) {
		pm, mock := newMockPool(t, 2)
		mock.ExpectClose()
		ctx, cancel := context.WithCancel(context.Background())

		err := pm.WithPool(ctx, func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
	})
}

func TestClosePoolWaitsForCheckedOutConnections(t *testing.T) {
	pm, mock := newMockPool(t, 2)
	conn, err := pm.AcquireConnection(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		pm.ReleaseConnection(conn)
	}()

	mock.ExpectClose()
	start := time.Now()
	_ = pm.ClosePool()
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, 0, pm.InUse())
}

func TestAcquireDuringCloseIsRejected(t *testing.T) {
	pm, mock := newMockPool(t, 2)
	pm.cfg.CloseTimeout = 10 * time.Second

	conn, err := pm.AcquireConnection(context.Background())
	require.NoError(t, err)
	mock.ExpectClose()

	done := make(chan error, 1)
	go func() { done <- pm.ClosePool() }()

	require.Eventually(t, func() bool {
		pm.mu.Lock()
		defer pm.mu.Unlock()
		return pm.closing
	}, time.Second, time.Millisecond)

	// Must not lazily open a second pool behind the draining one
	_, err = pm.AcquireConnection(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosing)
	assert.ErrorIs(t, err, ErrPool)
	assert.Equal(t, 1, pm.InUse())

	pm.ReleaseConnection(conn)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ClosePool did not return after the last connection was released")
	}
	assert.Equal(t, PoolNotInitialized, pm.GetPoolStatus().Status)
	assert.Equal(t, 0, pm.InUse())
	assert.NoError(t, mock.ExpectationsWereMet())
}
