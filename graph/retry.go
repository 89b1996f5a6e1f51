package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/aden-hive/hive-sub001/llm"
)

// RetryConfig bounds retries of transient node I/O. Only transient
// errors (timeouts, 5xx, rate limits) are retried; everything else
// propagates immediately.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Retryable overrides the transient classification. Nil means
	// llm.IsTransient.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the executor's default retry policy:
// exponential backoff from 250ms capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) retryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return llm.IsTransient(err)
}

// withRetry runs fn, retrying transient failures with exponential
// backoff. The context's cancellation is honored between attempts and
// must also be honored inside fn.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.retryable(lastErr) || attempt == attempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}
