package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding at most maxTokens and
// refilling refillRate tokens per second.
func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return newTokenBucket(maxTokens, refillRate, time.Now)
}

func newTokenBucket(maxTokens, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// Reserve takes n tokens if available. Otherwise it returns how long until
// they will be.
func (b *TokenBucket) Reserve(n float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	return false, time.Duration(deficit / b.refillRate * float64(time.Second))
}

// Available returns the current number of tokens.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}
