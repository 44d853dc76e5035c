// Package ratelimit throttles calls to external APIs. Two algorithms are
// available: a continuously refilled token bucket and a sliding window log.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter paces callers against a requests-per-minute budget.
type Limiter interface {
	// Acquire blocks until one request may be made or ctx is done.
	Acquire(ctx context.Context) error
	// AvailableRequests returns a non-blocking snapshot of remaining capacity.
	AvailableRequests() float64
	// Update changes the budget at runtime.
	Update(s Settings) error
	// Settings returns the current budget.
	Settings() Settings
}

// Algorithm selects a Limiter implementation.
type Algorithm string

const (
	TokenBucketAlgorithm   Algorithm = "token_bucket"
	SlidingWindowAlgorithm Algorithm = "sliding_window"
)

// Settings describes a request budget.
type Settings struct {
	RequestsPerMinute int
	// BurstSize is the token bucket capacity. Defaults to RequestsPerMinute.
	BurstSize int
	// Window is the sliding window length. Defaults to one minute.
	Window time.Duration
}

// ErrInvalidSettings is returned for non-positive budgets.
var ErrInvalidSettings = errors.New("ratelimit: requests per minute must be positive")

func (s Settings) normalise() (Settings, error) {
	if s.RequestsPerMinute <= 0 {
		return s, ErrInvalidSettings
	}
	if s.BurstSize <= 0 {
		s.BurstSize = s.RequestsPerMinute
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	return s, nil
}

// New builds a limiter for the given algorithm.
func New(alg Algorithm, s Settings) (Limiter, error) {
	switch alg {
	case TokenBucketAlgorithm, "":
		return NewTokenBucket(s)
	case SlidingWindowAlgorithm:
		return NewSlidingWindow(s)
	default:
		return nil, fmt.Errorf("ratelimit: unknown algorithm %q", alg)
	}
}

// waitLog keeps "waiting for capacity" messages to a few per second across
// every limiter in the process.
var waitLog = rate.Sometimes{Interval: 5 * time.Second}

func logWait(kind string, wait time.Duration) {
	waitLog.Do(func() {
		log.Debug().Str("limiter", kind).Dur("wait", wait).Msg("Rate limit reached, waiting for capacity")
	})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
