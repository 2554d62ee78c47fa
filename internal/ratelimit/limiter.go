// Package ratelimit throttles requests to the AI provider.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"codeloop/internal/config"
	"codeloop/internal/logging"
)

const minWait = 10 * time.Millisecond

// Limiter spaces out provider requests. A nil *Limiter allows everything.
type Limiter struct {
	requests *TokenBucket

	total   atomic.Int64
	delayed atomic.Int64
}

// NewLimiter returns a limiter allowing requestsPerMinute with bursts of
// burst requests. It returns nil when requestsPerMinute is not positive.
func NewLimiter(requestsPerMinute, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		requests: NewTokenBucket(float64(burst), float64(requestsPerMinute)/60.0),
	}
}

// FromConfig builds the limiter configured for the provider.
func FromConfig(cfg config.RateLimitConfig) *Limiter {
	return NewLimiter(cfg.RequestsPerMinute, cfg.Burst)
}

// Wait blocks until a request slot is free or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.total.Add(1)

	waited := false
	for {
		ok, wait := l.requests.Reserve(1)
		if ok {
			return nil
		}
		if !waited {
			waited = true
			l.delayed.Add(1)
			logging.Debug("rate limit reached, waiting", "wait", wait)
		}
		if wait < minWait {
			wait = minWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats holds limiter counters.
type Stats struct {
	TotalRequests     int64
	DelayedRequests   int64
	AvailableRequests float64
}

func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		TotalRequests:     l.total.Load(),
		DelayedRequests:   l.delayed.Load(),
		AvailableRequests: l.requests.Available(),
	}
}
