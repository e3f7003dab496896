package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Options controls RetryWithBackoff.
type Options struct {
	Policy BackoffPolicy
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable
// error, the attempts run out, or ctx is done.
//
// A non-retryable error is returned as is. Exhaustion returns an error
// matching both ErrMaxAttemptsExhausted and the last error. Cancellation
// returns ctx.Err().
func RetryWithBackoff[T any](
	ctx context.Context,
	opts Options,
	fn func(ctx context.Context, attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if ctx.Err() != nil {
			return result, err
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return result, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := opts.Policy.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if err := wait(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExhausted, result.Attempts, result.LastError)
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
