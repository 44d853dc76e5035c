package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicyDelayIsMonotonic(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := p.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestPolicyDo(t *testing.T) {
	t.Parallel()

	transient := Transient("call", errors.New("503"))
	client := Client("call", "bad file", errors.New("400"))

	tests := []struct {
		name         string
		results      []error
		wantAttempts int
		wantDelays   []time.Duration
		wantErr      error
	}{
		{
			name:         "first attempt succeeds",
			results:      []error{nil},
			wantAttempts: 1,
		},
		{
			name:         "succeeds after transient failures",
			results:      []error{transient, transient, nil},
			wantAttempts: 3,
			wantDelays:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name:         "client error is not retried",
			results:      []error{client},
			wantAttempts: 1,
			wantErr:      client,
		},
		{
			name:         "retries exhausted",
			results:      []error{transient, transient, transient, transient, transient},
			wantAttempts: 4,
			wantDelays:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
			wantErr:      transient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var delays []time.Duration
			p := Policy{
				MaxRetries: 3,
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 2,
				MaxDelay:   time.Second,
				Sleep:      recordingSleep(&delays),
			}

			attempts := 0
			err := p.Do(context.Background(), "call", func(context.Context) error {
				res := tt.results[attempts]
				attempts++
				return res
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantDelays, delays)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicyDoStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "call", func(context.Context) error {
			attempts++
			return Transient("call", errors.New("timeout"))
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
