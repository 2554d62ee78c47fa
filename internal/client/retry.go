package client

import (
	"context"
	"math/rand"
	"time"

	"codeloop/internal/logging"
	"codeloop/internal/robustness"
)

// RetryConfig holds retry configuration used across all client implementations.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	RetryDelay time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum backoff delay (cap)
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// CalculateBackoff calculates exponential backoff with jitter.
func CalculateBackoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	// Exponential backoff: baseDelay * 2^attempt
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}

	// Add jitter: random value between 0 and 25% of delay
	if q := int64(delay / 4); q > 0 {
		delay += time.Duration(rand.Int63n(q))
	}
	return delay
}

// attemptFunc runs one provider request, reporting events through em.
type attemptFunc func(ctx context.Context, em *emitter) error

// pump runs attempt with retries and the circuit breaker, then emits the
// terminal event and closes out. Retries happen only while nothing has been
// emitted, so a consumer never sees duplicated output.
func pump(ctx context.Context, provider string, retry RetryConfig, breaker *robustness.CircuitBreaker, out chan<- StreamEvent, attempt attemptFunc) {
	defer close(out)
	em := &emitter{ctx: ctx, out: out}

	for n := 0; ; n++ {
		err := runAttempt(ctx, breaker, em, attempt)
		if err == nil {
			em.send(FinishedEvent())
			return
		}
		if ctx.Err() != nil {
			em.cancelled()
			return
		}
		if em.emitted() || n >= retry.MaxRetries || !IsRetryableError(err) {
			logging.Warn("provider stream failed", "provider", provider, "attempt", n, "error", err)
			em.send(ErrorEvent(err.Error()))
			return
		}

		delay := CalculateBackoff(retry.RetryDelay, n, retry.MaxDelay)
		logging.Info("retrying provider request", "provider", provider, "attempt", n+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			em.cancelled()
			return
		}
	}
}

func runAttempt(ctx context.Context, breaker *robustness.CircuitBreaker, em *emitter, attempt attemptFunc) error {
	if breaker == nil {
		return attempt(ctx, em)
	}
	return breaker.Execute(ctx, func() error {
		return attempt(ctx, em)
	})
}
