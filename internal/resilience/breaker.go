package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is a point-in-time view of a Breaker.
type BreakerState struct {
	Open            bool      `json:"open"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// Breaker counts consecutive systemic failures and opens at Threshold.
// Once open it stays open until Cooldown has elapsed since the last failure
// and Reset has run; Allow performs that reset.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	failures    int
	open        bool
	lastFailure time.Time

	now    func() time.Time
	onTrip func(BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTrip registers a callback invoked (outside the lock) each time the breaker opens.
func (b *Breaker) OnTrip(fn func(BreakerState)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// RecordFailure counts one failure and opens the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	tripped := false
	if !b.open && b.failures >= b.threshold {
		b.open = true
		tripped = true
	}
	state := b.stateLocked()
	onTrip := b.onTrip
	b.mu.Unlock()

	if tripped {
		log.Error().
			Int("failure_count", state.FailureCount).
			Dur("cooldown", b.cooldown).
			Msg("Circuit breaker opened")
		if onTrip != nil {
			onTrip(state)
		}
	}
}

// RecordSuccess clears the failure count while the breaker is closed.
// An open breaker is only closed by Reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = 0
	}
}

// Allow reports whether work may proceed. An open breaker whose cool-down
// has elapsed is reset and work is allowed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	open := b.open
	elapsed := b.now().Sub(b.lastFailure)
	b.mu.Unlock()

	if !open {
		return true
	}
	if elapsed < b.cooldown {
		return false
	}
	b.Reset()
	return true
}

// Reset closes the breaker and zeroes the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.open
	b.open = false
	b.failures = 0
	b.mu.Unlock()

	if wasOpen {
		log.Info().Msg("Circuit breaker reset")
	}
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// RemainingCooldown returns how long until an open breaker may be reset.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	return BreakerState{
		Open:            b.open,
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
	}
}
