package utils

import (
	"context"
	"time"
)

// RetryPolicy bounds a retry loop. Delay grows linearly: attempt n waits
// n*BaseDelay before running.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. fn receives the zero-based attempt.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	attempts := max(policy.MaxAttempts, 1)
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			if err := Sleep(ctx, time.Duration(attempt)*policy.BaseDelay); err != nil {
				return err
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
