package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the Retry wrapper.
type BackoffConfig struct {
	// MaxAttempts bounds the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each further retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration
	// Jitter spreads each delay by up to 25% either way to avoid
	// thundering herds.
	Jitter bool
	// RetryIf classifies errors worth retrying. Nil retries everything.
	RetryIf func(error) bool
}

// DefaultBackoffConfig returns backoff settings suitable for calling
// external HTTP APIs.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Retry calls fn until it succeeds or MaxAttempts calls have failed,
// sleeping base_delay, 2x base_delay, 4x base_delay (capped at MaxDelay)
// between calls. The error from the final attempt is returned when the
// budget is exhausted; a cancelled context cuts the wait short.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoffDelay(cfg, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
	}
	return err
}

// backoffDelay returns the wait after the n-th failed attempt, counting
// from zero.
func backoffDelay(cfg BackoffConfig, n int) time.Duration {
	delay := cfg.BaseDelay << uint(n)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		spread := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * spread)
	}
	if delay < 0 {
		delay = cfg.MaxDelay
	}
	return delay
}
