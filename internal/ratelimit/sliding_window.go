package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowEpsilon is added to computed waits so the oldest entry has left the
// window by the time the caller wakes.
const windowEpsilon = 10 * time.Millisecond

// SlidingWindow admits at most RequestsPerMinute*Window/60s requests in any
// trailing Window.
type SlidingWindow struct {
	mu       sync.Mutex
	settings Settings
	stamps   []time.Time // ascending

	now func() time.Time
}

// NewSlidingWindow creates an empty window.
func NewSlidingWindow(s Settings) (*SlidingWindow, error) {
	s, err := s.normalise()
	if err != nil {
		return nil, err
	}
	return &SlidingWindow{settings: s, now: time.Now}, nil
}

func (sw *SlidingWindow) capacityLocked() int {
	// rpm*window in integer nanoseconds; float minutes round 45 rpm over 84s down to 62.
	c := int(int64(sw.settings.RequestsPerMinute) * int64(sw.settings.Window) / int64(time.Minute))
	if c < 1 {
		c = 1
	}
	return c
}

// pruneLocked drops timestamps at or before now-Window.
func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.settings.Window)
	i := 0
	for i < len(sw.stamps) && !sw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.stamps = append(sw.stamps[:0], sw.stamps[i:]...)
	}
}

// Acquire records a request, waiting until the oldest one leaves the window
// when the window is full.
func (sw *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sw.mu.Lock()
		now := sw.now()
		sw.pruneLocked(now)
		if len(sw.stamps) < sw.capacityLocked() {
			sw.stamps = append(sw.stamps, now)
			sw.mu.Unlock()
			return nil
		}
		wait := sw.stamps[0].Add(sw.settings.Window).Sub(now) + windowEpsilon
		sw.mu.Unlock()

		logWait("sliding_window", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// AvailableRequests returns the free slots in the current window.
func (sw *SlidingWindow) AvailableRequests() float64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pruneLocked(sw.now())
	free := sw.capacityLocked() - len(sw.stamps)
	if free < 0 {
		free = 0
	}
	return float64(free)
}

// Update changes the budget. Recorded requests are kept.
func (sw *SlidingWindow) Update(s Settings) error {
	s, err := s.normalise()
	if err != nil {
		return err
	}
	sw.mu.Lock()
	sw.settings = s
	sw.mu.Unlock()
	return nil
}

// Settings returns the current budget.
func (sw *SlidingWindow) Settings() Settings {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.settings
}
