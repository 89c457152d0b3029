package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds a retried operation. Every failure is retryable,
// whether it was a per-attempt timeout or any other error.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts, including the first
	PerAttemptTimeout time.Duration // deadline applied to each attempt
}

// DefaultRetryPolicy is the policy used to enable notifications.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		PerAttemptTimeout: 5 * time.Second,
	}
}

// Do runs fn until it succeeds or the attempt budget is spent. Each
// attempt gets a context that expires after PerAttemptTimeout or when ctx
// does, whichever comes first. Cancellation of ctx itself ends the loop
// at once and returns ctx's error.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("ble: %s: %w", name, ctx.Err())
		}
		lastErr = err
		slog.Warn("[BLE] attempt failed", "op", name, "attempt", attempt, "of", attempts, "error", err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.PerAttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.PerAttemptTimeout)
	defer cancel()
	return fn(actx)
}
