// Package cache publishes the latest status of each document job so that
// polling clients do not need to hit Postgres.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StatusCache stores job statuses with an expiry. Implementations must be safe
// for concurrent use.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (string, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultStatusTTL is how long a published status stays readable.
const DefaultStatusTTL = 24 * time.Hour

// JobStatusKey is the cache key for a job's status.
func JobStatusKey(jobID string) string {
	return fmt.Sprintf("docpipe:job:%s:status", jobID)
}

// New returns a Redis-backed cache when redisURL is set and an in-memory one
// otherwise.
func New(redisURL string) (StatusCache, error) {
	if redisURL == "" {
		return NewInMemoryCache(), nil
	}
	return NewRedisCache(redisURL)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// InMemoryCache is a concurrent-safe in-memory StatusCache.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get returns the value stored under key when present and unexpired.
func (c *InMemoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, found := c.items[key]
	if !found {
		return "", false
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		return "", false
	}
	return item.value, true
}

// Set adds or updates a value. A ttl of zero never expires.
func (c *InMemoryCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = e
	c.evictExpiredLocked()
}

// Delete removes a value from the cache.
func (c *InMemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) evictExpiredLocked() {
	now := c.now()
	for k, e := range c.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

// SetJobStatus implements StatusCache.
func (c *InMemoryCache) SetJobStatus(_ context.Context, jobID, status string, ttl time.Duration) error {
	c.Set(JobStatusKey(jobID), status, ttl)
	return nil
}

// GetJobStatus implements StatusCache.
func (c *InMemoryCache) GetJobStatus(_ context.Context, jobID string) (string, bool, error) {
	v, ok := c.Get(JobStatusKey(jobID))
	return v, ok, nil
}

// Ping implements StatusCache.
func (c *InMemoryCache) Ping(context.Context) error { return nil }

// Close implements StatusCache.
func (c *InMemoryCache) Close() error { return nil }
