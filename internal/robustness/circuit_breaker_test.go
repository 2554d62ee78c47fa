package robustness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, func() error { return errBoom }), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	require.ErrorIs(t, cb.Execute(ctx, func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
}
