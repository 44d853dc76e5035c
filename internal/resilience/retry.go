package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy holds configuration for exponential backoff retries
type Policy struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Delay before the first retry
	Multiplier float64       // Backoff base (typically 2.0)
	MaxDelay   time.Duration // Cap for any single delay
	Jitter     bool          // Off by default so delays are deterministic

	// Sleep waits for d or until ctx is done. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the retry policy used for outbound service calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2.0,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based):
// min(BaseDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += d * 0.1 * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, or retries
// are exhausted. At most MaxRetries+1 attempts are made.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().Str("op", op).Int("attempts", attempt+1).Msg("Operation succeeded after retries")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", p.MaxRetries).
			Dur("retry_in", delay).
			Msg("Transient failure, retrying")

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: retry cancelled: %w", op, err)
		}
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, p.MaxRetries+1, lastErr)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
