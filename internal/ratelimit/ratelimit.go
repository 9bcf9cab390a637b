// Package ratelimit provides a token-bucket limiter and an
// exponential-backoff retry wrapper for outbound calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter. Tokens accrue
// continuously at the configured rate up to the burst capacity; at no
// point is more than the burst capacity available at once.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	unlimited  bool
}

// NewTokenBucket creates a new token bucket rate limiter.
// ratePerSecond is the sustained refill rate and burstCapacity the bucket
// size. If ratePerSecond <= 0, the limiter is unlimited.
func NewTokenBucket(ratePerSecond float64, burstCapacity int) *TokenBucket {
	if ratePerSecond <= 0 {
		return &TokenBucket{
			unlimited: true,
		}
	}

	return &TokenBucket{
		tokens:     float64(burstCapacity), // Start with full bucket
		maxTokens:  float64(burstCapacity),
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
	}
}

// refill adds tokens based on time elapsed since last refill
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// TryAcquire attempts to acquire n tokens without blocking.
// Returns true if tokens were acquired, false otherwise.
func (tb *TokenBucket) TryAcquire(n int) bool {
	if tb.unlimited {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Acquire blocks until n tokens are available, then takes them. The wait
// is computed from the token shortfall and the refill rate, so callers
// sleep on a timer rather than spinning. Returns the context's error if
// it is cancelled first.
func (tb *TokenBucket) Acquire(ctx context.Context, n int) error {
	if tb.unlimited {
		return nil
	}
	if float64(n) > tb.maxTokens {
		return fmt.Errorf("ratelimit: %d tokens exceeds burst capacity %.0f", n, tb.maxTokens)
	}

	for {
		tb.mu.Lock()
		tb.refill()

		if tb.tokens >= float64(n) {
			tb.tokens -= float64(n)
			tb.mu.Unlock()
			return nil
		}

		deficit := float64(n) - tb.tokens
		wait := time.Duration(deficit / tb.refillRate * float64(time.Second))
		tb.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
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

// Available returns the current number of available tokens.
func (tb *TokenBucket) Available() float64 {
	if tb.unlimited {
		return float64(^uint(0) >> 1)
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// IsUnlimited returns true if rate limiting is disabled.
func (tb *TokenBucket) IsUnlimited() bool {
	return tb.unlimited
}
