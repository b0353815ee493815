// ABOUTME: Bounded exponential backoff around remote record operations.
// ABOUTME: Only transport-level failures retry; everything else is terminal.
package petsync

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds how hard a remote operation is retried before the
// failure surfaces to the caller.
type RetryConfig struct {
	MaxAttempts int           // total attempts, first try included
	InitialWait time.Duration // pause before the second attempt
	MaxWait     time.Duration // ceiling on the growing pause
	Multiplier  float64       // pause growth factor per attempt
}

// DefaultRetryConfig suits a mobile-grade network: three attempts,
// half a second to start, capped at thirty.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable reports whether an error is worth another attempt.
// Unreachable or erroring servers are; auth failures, missing records,
// and malformed data never fix themselves by waiting.
func Retryable(err error) bool {
	return err != nil && (errors.Is(err, ErrNetwork) || errors.Is(err, ErrServerError))
}

// WithRetry runs fn until it succeeds, fails terminally, or exhausts
// cfg.MaxAttempts. Any failure comes back as one *SyncError carrying
// the operation name and the attempt count; Unwrap exposes the cause.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var zero T
	wait := cfg.InitialWait
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, &SyncError{Op: op, Err: err, Retries: attempt}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}

	return zero, &SyncError{Op: op, Err: ErrNetwork, Retries: cfg.MaxAttempts}
}
