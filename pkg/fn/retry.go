package fn

import (
	"context"
	"time"
)

// Backoff returns base * 2^(attempt-1), capped at ceiling. attempt counts from 1;
// values below 1 are treated as 1. A zero ceiling means no cap.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		if d <= 0 {
			// overflow
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// RetryOpts configures Retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// Retry calls f up to MaxAttempts times, sleeping Backoff between attempts.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			break
		}
		t := time.NewTimer(Backoff(opts.InitialWait, opts.MaxWait, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
	return result
}
