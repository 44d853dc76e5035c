package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedBucket(t *testing.T, s Settings) (*TokenBucket, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	tb, err := NewTokenBucket(s)
	require.NoError(t, err)
	tb.now = clock.Now
	tb.lastRefill = clock.Now()
	return tb, clock
}

func TestNewValidatesSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		alg     Algorithm
		s       Settings
		wantErr bool
	}{
		{"token bucket", TokenBucketAlgorithm, Settings{RequestsPerMinute: 60}, false},
		{"default algorithm", "", Settings{RequestsPerMinute: 60}, false},
		{"sliding window", SlidingWindowAlgorithm, Settings{RequestsPerMinute: 60}, false},
		{"zero rpm", TokenBucketAlgorithm, Settings{}, true},
		{"negative rpm", SlidingWindowAlgorithm, Settings{RequestsPerMinute: -1}, true},
		{"unknown algorithm", Algorithm("leaky"), Settings{RequestsPerMinute: 60}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, err := New(tt.alg, tt.s)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, l)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestTokenBucketStartsFullAndDefaultsBurst(t *testing.T) {
	t.Parallel()

	tb, _ := newClockedBucket(t, Settings{RequestsPerMinute: 30})
	assert.Equal(t, 30, tb.Settings().BurstSize)
	assert.InDelta(t, 30.0, tb.AvailableRequests(), 0.0001)
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()

	tb, clock := newClockedBucket(t, Settings{RequestsPerMinute: 60, BurstSize: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, tb.Acquire(ctx))
	}
	assert.InDelta(t, 0.0, tb.AvailableRequests(), 0.0001)

	clock.Advance(3 * time.Second)
	assert.InDelta(t, 3.0, tb.AvailableRequests(), 0.0001)

	clock.Advance(time.Hour)
	assert.InDelta(t, 10.0, tb.AvailableRequests(), 0.0001, "tokens never exceed capacity")
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()

	// 100 tokens per second: one token every 10ms.
	tb, err := NewTokenBucket(Settings{RequestsPerMinute: 6000, BurstSize: 1})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tb.Acquire(ctx))
	start := time.Now()
	require.NoError(t, tb.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)
	assert.GreaterOrEqual(t, tb.AvailableRequests(), 0.0)
}

func TestTokenBucketAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	tb, err := NewTokenBucket(Settings{RequestsPerMinute: 1, BurstSize: 1})
	require.NoError(t, err)
	require.NoError(t, tb.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = tb.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, tb.AvailableRequests(), 0.0)
}

func TestTokenBucketConcurrentAcquireNeverGoesNegative(t *testing.T) {
	t.Parallel()

	tb, clock := newClockedBucket(t, Settings{RequestsPerMinute: 60, BurstSize: 20})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tb.Acquire(context.Background()))
		}()
	}
	wg.Wait()

	assert.InDelta(t, 0.0, tb.AvailableRequests(), 0.0001)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tb.Acquire(ctx), "empty bucket with a frozen clock must block")
	assert.GreaterOrEqual(t, tb.AvailableRequests(), 0.0)
	clock.Advance(time.Second)
	assert.InDelta(t, 1.0, tb.AvailableRequests(), 0.0001)
}

func TestTokenBucketUpdateClampsTokens(t *testing.T) {
	t.Parallel()

	tb, _ := newClockedBucket(t, Settings{RequestsPerMinute: 60, BurstSize: 50})

	require.NoError(t, tb.Update(Settings{RequestsPerMinute: 120, BurstSize: 5}))
	assert.InDelta(t, 5.0, tb.AvailableRequests(), 0.0001)
	assert.Equal(t, 120, tb.Settings().RequestsPerMinute)

	assert.ErrorIs(t, tb.Update(Settings{}), ErrInvalidSettings)
	assert.Equal(t, 120, tb.Settings().RequestsPerMinute)
}

func newClockedWindow(t *testing.T, s Settings) (*SlidingWindow, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	sw, err := NewSlidingWindow(s)
	require.NoError(t, err)
	sw.now = clock.Now
	return sw, clock
}

func TestSlidingWindowCapacity(t *testing.T) {
	t.Parallel()

	sw, clock := newClockedWindow(t, Settings{RequestsPerMinute: 3})
	ctx := context.Background()

	assert.Equal(t, 3.0, sw.AvailableRequests())
	for i := 0; i < 3; i++ {
		require.NoError(t, sw.Acquire(ctx))
		clock.Advance(10 * time.Second)
	}
	assert.Equal(t, 0.0, sw.AvailableRequests())

	// First entry was recorded at t=0, now is t=30s: still inside.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 1.0, sw.AvailableRequests())

	clock.Advance(time.Minute)
	assert.Equal(t, 3.0, sw.AvailableRequests())
}

func TestSlidingWindowCapacityIsExact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rpm    int
		window time.Duration
		want   float64
	}{
		{45, 84 * time.Second, 63},
		{150, 22 * time.Second, 55},
		{60, time.Minute, 60},
		{100, 90 * time.Second, 150},
		{7, 10 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d per minute over %s", tt.rpm, tt.window), func(t *testing.T) {
			sw, _ := newClockedWindow(t, Settings{RequestsPerMinute: tt.rpm, Window: tt.window})
			assert.Equal(t, tt.want, sw.AvailableRequests())
		})
	}
}

func TestSlidingWindowMinimumCapacityIsOne(t *testing.T) {
	t.Parallel()

	sw, _ := newClockedWindow(t, Settings{RequestsPerMinute: 1, Window: time.Second})
	assert.Equal(t, 1.0, sw.AvailableRequests())
}

func TestSlidingWindowBlocksUntilOldestExpires(t *testing.T) {
	t.Parallel()

	sw, err := NewSlidingWindow(Settings{RequestsPerMinute: 600, Window: 100 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sw.Acquire(ctx))
	start := time.Now()
	require.NoError(t, sw.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSlidingWindowAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	sw, _ := newClockedWindow(t, Settings{RequestsPerMinute: 1})
	require.NoError(t, sw.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sw.Acquire(ctx), context.Canceled)
	assert.Equal(t, 0.0, sw.AvailableRequests())
}

func TestSlidingWindowUpdateNeverReportsNegative(t *testing.T) {
	t.Parallel()

	sw, _ := newClockedWindow(t, Settings{RequestsPerMinute: 5})
	for i := 0; i < 5; i++ {
		require.NoError(t, sw.Acquire(context.Background()))
	}
	require.NoError(t, sw.Update(Settings{RequestsPerMinute: 2}))
	assert.Equal(t, 0.0, sw.AvailableRequests())
}

func TestRegistryFromEnv(t *testing.T) {
	t.Setenv("PARSER_REQUESTS_PER_MINUTE", "120")
	t.Setenv("EMBEDDING_REQUESTS_PER_MINUTE", "not-a-number")
	t.Setenv("RATE_LIMIT_ALGORITHM", "sliding_window")

	r := NewRegistry()

	parser, err := r.Get(TargetParser)
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, parser)
	assert.Equal(t, 120, parser.Settings().RequestsPerMinute)

	again, err := r.Get(TargetParser)
	require.NoError(t, err)
	assert.Same(t, parser, again)

	emb, err := r.Get(TargetEmbeddings)
	require.NoError(t, err)
	assert.Equal(t, 3000, emb.Settings().RequestsPerMinute)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 120.0, snap[TargetParser])
}

func TestRegistryRejectsUnknownAlgorithm(t *testing.T) {
	t.Setenv("RATE_LIMIT_ALGORITHM", "fixed")

	_, err := NewRegistry().Get(TargetParser)
	assert.Error(t, err)
}

func TestRegistrySet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tb, err := NewTokenBucket(Settings{RequestsPerMinute: 10})
	require.NoError(t, err)

	r.Set("custom", tb)
	got, err := r.Get("custom")
	require.NoError(t, err)
	assert.Same(t, tb, got)
}
