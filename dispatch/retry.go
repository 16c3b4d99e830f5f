// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transient provider failures.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts, including the first
	BaseInterval time.Duration // Initial wait interval
	MaxInterval  time.Duration // Cap on the wait interval
	Jitter       float64       // Jitter factor (0-1)
}

// DefaultRetryConfig returns the retry policy used for synthesis jobs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseInterval: 500 * time.Millisecond,
		MaxInterval:  30 * time.Second,
		Jitter:       0.1,
	}
}

// RetryError indicates that all retry attempts failed.
type RetryError struct {
	Err      error
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryWithBackoff executes fn with exponential backoff on transient
// failures: wait = min(base * 2^attempt, cap), plus jitter. A Retry-After
// hint on the error (429s) overrides the computed wait. Permanent failures
// return immediately without further attempts.
func RetryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := backoffInterval(cfg, attempt)
		if hint := RetryAfterHint(err); hint > 0 {
			wait = hint
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}

	return zero, &RetryError{Err: lastErr, Attempts: cfg.MaxAttempts}
}

func backoffInterval(cfg RetryConfig, attempt int) time.Duration {
	interval := float64(cfg.BaseInterval) * math.Pow(2, float64(attempt))
	if interval > float64(cfg.MaxInterval) {
		interval = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		interval += interval * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(interval)
}
