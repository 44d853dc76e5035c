// Package concurrency provides bounded semaphores that report their usage to
// the resource monitor.
package concurrency

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore with a fixed limit. Unlike
// semaphore.Weighted it can report how many slots are held.
type Semaphore struct {
	name  string
	limit int64
	held  atomic.Int64
	sem   *semaphore.Weighted
}

// NewSemaphore creates a semaphore with limit slots. A limit below 1 is treated as 1.
func NewSemaphore(name string, limit int) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{
		name:  name,
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.held.Add(1)
	return true
}

// Release frees a slot taken by Acquire or TryAcquire.
func (s *Semaphore) Release() {
	s.held.Add(-1)
	s.sem.Release(1)
}

// Do runs fn while holding a slot.
func (s *Semaphore) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Name returns the registration name.
func (s *Semaphore) Name() string { return s.name }

// Limit returns the number of slots.
func (s *Semaphore) Limit() int { return int(s.limit) }

// Available returns the number of free slots.
func (s *Semaphore) Available() int { return int(s.limit - s.held.Load()) }

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int { return int(s.held.Load()) }
