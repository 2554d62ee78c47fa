package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"codeloop/internal/robustness"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan StreamEvent) []StreamEvent {
	var evs []StreamEvent
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func kinds(evs []StreamEvent) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

var fastRetry = RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestPumpRetriesBeforeOutput(t *testing.T) {
	attempts := 0
	out := make(chan StreamEvent, eventBuffer)
	go pump(context.Background(), "test", fastRetry, nil, out, func(ctx context.Context, em *emitter) error {
		attempts++
		if attempts < 3 {
			return &APIError{StatusCode: 503, Message: "unavailable"}
		}
		em.send(ContentEvent("ok"))
		return nil
	})

	evs := collect(out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []EventKind{EventContent, EventFinished}, kinds(evs))
	assert.Equal(t, "ok", evs[0].Text)
}

func TestPumpDoesNotRetryAfterOutput(t *testing.T) {
	attempts := 0
	out := make(chan StreamEvent, eventBuffer)
	go pump(context.Background(), "test", fastRetry, nil, out, func(ctx context.Context, em *emitter) error {
		attempts++
		em.send(ContentEvent("partial"))
		return &APIError{StatusCode: 503, Message: "unavailable"}
	})

	evs := collect(out)
	assert.Equal(t, 1, attempts)
	require.Equal(t, []EventKind{EventContent, EventError}, kinds(evs))
	assert.Contains(t, evs[1].Message, "503")
}

func TestPumpNonRetryableError(t *testing.T) {
	attempts := 0
	out := make(chan StreamEvent, eventBuffer)
	go pump(context.Background(), "test", fastRetry, nil, out, func(ctx context.Context, em *emitter) error {
		attempts++
		return &APIError{StatusCode: 400, Message: "bad request"}
	})

	evs := collect(out)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []EventKind{EventError}, kinds(evs))
}

func TestPumpExhaustsRetries(t *testing.T) {
	attempts := 0
	out := make(chan StreamEvent, eventBuffer)
	go pump(context.Background(), "test", fastRetry, nil, out, func(ctx context.Context, em *emitter) error {
		attempts++
		return errors.New("connection reset by peer")
	})

	evs := collect(out)
	assert.Equal(t, fastRetry.MaxRetries+1, attempts)
	assert.Equal(t, []EventKind{EventError}, kinds(evs))
}

func TestPumpCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan StreamEvent, eventBuffer)
	go pump(ctx, "test", fastRetry, nil, out, func(ctx context.Context, em *emitter) error {
		cancel()
		return ctx.Err()
	})

	evs := collect(out)
	assert.Equal(t, []EventKind{EventUserCancelled}, kinds(evs))
}

func TestPumpCircuitOpen(t *testing.T) {
	breaker := robustness.NewCircuitBreaker(1, time.Hour)
	_ = breaker.Execute(context.Background(), func() error { return errors.New("down") })

	called := false
	out := make(chan StreamEvent, eventBuffer)
	go pump(context.Background(), "test", fastRetry, breaker, out, func(ctx context.Context, em *emitter) error {
		called = true
		return nil
	})

	evs := collect(out)
	assert.False(t, called)
	require.Equal(t, []EventKind{EventError}, kinds(evs))
	assert.Contains(t, evs[0].Message, "circuit breaker is open")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("stream: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"429", &APIError{StatusCode: 429}, true},
		{"500", &APIError{StatusCode: 500}, true},
		{"401", &APIError{StatusCode: 401}, false},
		{"untyped reset", errors.New("read: connection reset by peer"), true},
		{"untyped other", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	d := CalculateBackoff(100*time.Millisecond, 2, 0)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.Less(t, d, 500*time.Millisecond)

	capped := CalculateBackoff(time.Second, 10, 2*time.Second)
	assert.GreaterOrEqual(t, capped, 2*time.Second)
	assert.LessOrEqual(t, capped, 2500*time.Millisecond)
}
