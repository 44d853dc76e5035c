package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket refills continuously at RequestsPerMinute/60 tokens per second
// up to BurstSize. Tokens never go negative: a caller only debits a whole
// token that is already present.
type TokenBucket struct {
	mu         sync.Mutex
	settings   Settings
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(s Settings) (*TokenBucket, error) {
	s, err := s.normalise()
	if err != nil {
		return nil, err
	}
	tb := &TokenBucket{settings: s, now: time.Now}
	tb.tokens = float64(s.BurstSize)
	tb.lastRefill = tb.now()
	return tb, nil
}

func (tb *TokenBucket) perSecond() float64 {
	return float64(tb.settings.RequestsPerMinute) / 60.0
}

// refillLocked must be called with mu held.
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(float64(tb.settings.BurstSize), tb.tokens+elapsed*tb.perSecond())
	}
	tb.lastRefill = now
}

// Acquire debits one token, waiting for the exact refill time when empty.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.perSecond() * float64(time.Second))
		tb.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		logWait("token_bucket", wait)

		// Re-check after waking; another caller may have taken the token.
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// AvailableRequests returns the current token count.
func (tb *TokenBucket) AvailableRequests() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// Update changes rate and capacity. Tokens accrued at the old rate are kept,
// clamped to the new capacity.
func (tb *TokenBucket) Update(s Settings) error {
	s, err := s.normalise()
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	tb.settings = s
	if tb.tokens > float64(s.BurstSize) {
		tb.tokens = float64(s.BurstSize)
	}
	return nil
}

// Settings returns the current budget.
func (tb *TokenBucket) Settings() Settings {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.settings
}
