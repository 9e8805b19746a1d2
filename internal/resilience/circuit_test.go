package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensOnTransientFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for range 2 {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewAPIError("brasilapi", 503, nil)
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_NotFoundDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	for range 3 {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewAPIError("brasilapi", 404, nil)
		})
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("i/o timeout") })
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(2 * time.Second) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// A failing probe reopens.
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("i/o timeout") })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(5 * time.Second) }
	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return NewTransientError(errors.New("x"), 0) })
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestProviderBreakers(t *testing.T) {
	pb := NewProviderBreakers(FromCircuitConfig(1, 60))
	a := pb.Get("brasilapi")
	assert.Same(t, a, pb.Get("brasilapi"))
	assert.NotSame(t, a, pb.Get("cnpja"))

	_ = a.Execute(context.Background(), func(_ context.Context) error { return NewAPIError("brasilapi", 500, nil) })
	states := pb.States()
	assert.Equal(t, CircuitOpen, states["brasilapi"])
	assert.Equal(t, CircuitClosed, states["cnpja"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
