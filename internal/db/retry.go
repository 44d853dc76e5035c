package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier (typically 2.0)
}

// DefaultRetryConfig returns the start-up connection retry settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// openWithRetry calls open until it succeeds, fails with a non-retryable
// error, or attempts run out.
func openWithRetry(ctx context.Context, rc RetryConfig, open func(context.Context) (*sql.DB, error)) (*sql.DB, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}

	var lastErr error
	backoff := rc.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		client, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return client, nil
		}
		lastErr = err

		// Configuration or authentication errors - fail fast
		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= rc.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", rc.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * rc.Multiplier)
		if backoff > rc.MaxInterval {
			backoff = rc.MaxInterval
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_attempts", rc.MaxAttempts).
		Msg("Database connection failed after all retry attempts")

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", rc.MaxAttempts, lastErr)
}

// isRetryableError reports whether a database error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	class := ""
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr) && len(pgErr.Code) >= 2:
		class = pgErr.Code[:2]
	case errors.As(err, &pqErr):
		class = string(pqErr.Code.Class())
	}

	switch class {
	case "08", "53", "57", "58": // connection, resources, operator intervention, system
		return true
	case "28", "3D": // invalid authorisation, unknown database
		return false
	case "22", "23": // bad data
		return false
	case "":
	default:
		return true
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"too many connections",
		"the database system is starting up",
	} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	return false
}
