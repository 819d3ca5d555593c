package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildbuddy-io/snappager/server/util/retry"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxTotalDelayFromBackoff(t *testing.T) {
	for _, tc := range []struct {
		name    string
		opts    retry.Options
		wantMax time.Duration
	}{
		{"cap just above", retry.Options{InitialBackoff: 3, MaxBackoff: 25, Multiplier: 2}, 3 + 6 + 12 + 24 + 25},
		{"cap just below", retry.Options{InitialBackoff: 3, MaxBackoff: 23, Multiplier: 2}, 3 + 6 + 12 + 23},
		{"bounded by retries", retry.Options{InitialBackoff: 3, MaxBackoff: 23, Multiplier: 2, MaxRetries: 7}, 0},
		{"max below initial", retry.Options{InitialBackoff: 3, MaxBackoff: 1, Multiplier: 2}, 0},
		{"shrinking backoff", retry.Options{InitialBackoff: 3, MaxBackoff: 7, Multiplier: 0.5}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := retry.New(context.Background(), &tc.opts)
			assert.Equal(t, tc.wantMax, r.MaxTotalDelay())
		})
	}
}

func TestNextDelay(t *testing.T) {
	for _, tc := range []struct {
		name       string
		opts       retry.Options
		wantDelays []time.Duration
	}{
		{
			name:       "until backoff reaches max",
			opts:       retry.Options{InitialBackoff: 1, MaxBackoff: 5, Multiplier: 2},
			wantDelays: []time.Duration{0, 1, 2, 4, 5},
		},
		{
			name:       "max retries",
			opts:       retry.Options{InitialBackoff: 1, MaxBackoff: 5, Multiplier: 2, MaxRetries: 5},
			wantDelays: []time.Duration{0, 1, 2, 4, 5, 5},
		},
		{
			name:       "max below initial retries once",
			opts:       retry.Options{InitialBackoff: 3, MaxBackoff: 1, Multiplier: 2},
			wantDelays: []time.Duration{0, 1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := retry.New(context.Background(), &tc.opts)
			var delays []time.Duration
			for {
				d, ok := r.NextDelay()
				if !ok {
					break
				}
				delays = append(delays, d)
			}
			require.Equal(t, tc.wantDelays, delays)
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	rsp, err := retry.Do(ctx, &retry.Options{MaxRetries: 3, Clock: clockwork.NewFakeClock()}, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", status.UnavailableError("not yet")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", rsp)
	require.Equal(t, 3, attempts)
}

func TestDoReturnsLastError(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	_, err := retry.Do(ctx, &retry.Options{MaxRetries: 4, Clock: clockwork.NewFakeClock()}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, status.UnavailableErrorf("attempt %d", attempts)
	})
	require.True(t, status.IsUnavailableError(err))
	require.Equal(t, "attempt 5", status.Message(err))
	require.Equal(t, 5, attempts)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	ctx := context.Background()
	permanent := errors.New("permanent")
	attempts := 0
	_, err := retry.Do(ctx, &retry.Options{MaxRetries: 4, Clock: clockwork.NewFakeClock()}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, retry.NonRetryableError(permanent)
	})
	require.Equal(t, permanent, err)
	require.Equal(t, 1, attempts)
}

func TestDoWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	opts := &retry.Options{
		MaxRetries:     1,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Clock:          clock,
	}
	attempts := make(chan int, 2)
	done := make(chan error, 1)
	go func() {
		n := 0
		_, err := retry.Do(ctx, opts, func(ctx context.Context) (int, error) {
			n++
			attempts <- n
			if n == 1 {
				return 0, status.UnavailableError("first attempt fails")
			}
			return n, nil
		})
		done <- err
	}()

	require.Equal(t, 1, <-attempts)
	clock.BlockUntil(1)
	select {
	case <-attempts:
		require.FailNow(t, "retried before the backoff elapsed")
	default:
	}
	clock.Advance(time.Second)
	require.Equal(t, 2, <-attempts)
	require.NoError(t, <-done)
}
