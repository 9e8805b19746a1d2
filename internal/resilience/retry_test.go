package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleeps returns a Sleeper that records delays without waiting.
func recordSleeps(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleeps(&delays)

	err := Do(context.Background(), cfg, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, 1, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_ExhaustsExactlyMaxAttempts(t *testing.T) {
	var calls []int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 4
	cfg.Sleep = recordSleeps(&delays)

	err := Do(context.Background(), cfg, func(_ context.Context, attempt int) error {
		calls = append(calls, attempt)
		return NewAPIError("brasilapi", 503, nil)
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestDo_NotFoundStopsImmediately(t *testing.T) {
	var calls int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleeps(&delays)

	err := Do(context.Background(), cfg, func(_ context.Context, _ int) error {
		calls++
		return NewAPIError("brasilapi", 404, []byte(`{"message":"CNPJ não encontrado"}`))
	})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_ConfigurationErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), RetryConfig{MaxAttempts: 3}, func(_ context.Context, _ int) error {
		calls++
		return ErrNotConfigured
	})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleeps(&delays)

	val, err := DoVal(context.Background(), cfg, func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("i/o timeout")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Len(t, delays, 2)
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int

	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(_ context.Context, _ int) error {
		calls++
		cancel()
		return NewAPIError("cnpja", 500, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var seen []int
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.Sleep = recordSleeps(&delays)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		seen = append(seen, attempt)
		assert.Error(t, err)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context, _ int) error {
		return NewAPIError("x", 502, nil)
	})
	assert.Equal(t, []int{2, 3}, seen)
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second})
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 3*time.Second, computeBackoff(2, cfg))
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, JitterFraction: 0.5})
	for range 50 {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
