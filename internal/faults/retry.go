package faults

import (
	"context"
	"fmt"
	"time"
)

// RetryExhausted is returned once an operation's retry budget is consumed.
// It wraps the last error observed.
type RetryExhausted struct {
	Attempts int
	Err      error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhausted) Unwrap() error {
	return e.Err
}

// OnRetry is invoked before each backoff sleep with the attempt number
// (1-based), the classified error, and the chosen wait.
type OnRetry func(attempt int, err error, wait time.Duration)

// Retry runs op, classifying failures against the taxonomy and retrying
// transient kinds per their policy with exponential backoff. Non-retryable
// errors propagate immediately; a consumed budget surfaces as
// *RetryExhausted.
func Retry(ctx context.Context, op func(ctx context.Context) error, onRetry OnRetry) error {
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		policy := PolicyFor(kind)
		if !policy.ShouldRetry {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return &RetryExhausted{Attempts: attempt, Err: err}
		}

		wait := Backoff(policy, attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Backoff computes the wait before retry number attempt (1-based):
// min(initial * multiplier^(attempt-1), cap).
func Backoff(policy Policy, attempt int) time.Duration {
	wait := float64(policy.InitialBackoff)
	for i := 1; i < attempt; i++ {
		wait *= policy.Multiplier
	}
	if max := float64(policy.MaxBackoff); policy.MaxBackoff > 0 && wait > max {
		wait = max
	}
	return time.Duration(wait)
}
