package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errTemporary = errors.New("temporary error")
	errFatal     = errors.New("fatal error")
)

func fastOptions(maxAttempts int) Options {
	return Options{Policy: FastPolicy(), MaxAttempts: maxAttempts}
}

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	var attempts int32
	result, err := RetryWithBackoff(context.Background(), fastOptions(3), func(_ context.Context, attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "success", nil
	})

	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v", err)
	}
	if result.Value != "success" || result.Attempts != 1 {
		t.Errorf("RetryWithBackoff() = %+v, want success after 1 attempt", result)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("fn called %d times, want 1", attempts)
	}
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	var retried []int
	opts := fastOptions(5)
	opts.OnRetry = func(attempt int, _ time.Duration, err error) {
		if !errors.Is(err, errTemporary) {
			t.Errorf("OnRetry err = %v, want errTemporary", err)
		}
		retried = append(retried, attempt)
	}

	result, err := RetryWithBackoff(context.Background(), opts, func(_ context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errTemporary
		}
		return attempt, nil
	})

	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v", err)
	}
	if result.Value != 3 || result.Attempts != 3 {
		t.Errorf("RetryWithBackoff() = %+v, want value 3 after 3 attempts", result)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestRetryWithBackoff_ExhaustedWrapsLastError(t *testing.T) {
	var attempts int32
	result, err := RetryWithBackoff(context.Background(), fastOptions(3), func(_ context.Context, _ int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errTemporary
	})

	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("error = %v, want ErrMaxAttemptsExhausted", err)
	}
	if !errors.Is(err, errTemporary) {
		t.Errorf("error = %v, want wrapped errTemporary", err)
	}
	if result.Attempts != 3 || atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d (calls %d), want 3", result.Attempts, attempts)
	}
}

func TestRetryWithBackoff_NonRetryableStopsImmediately(t *testing.T) {
	opts := fastOptions(5)
	opts.Retryable = func(err error) bool { return errors.Is(err, errTemporary) }

	var attempts int32
	result, err := RetryWithBackoff(context.Background(), opts, func(_ context.Context, attempt int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		if attempt == 1 {
			return "", errTemporary
		}
		return "", errFatal
	})

	if !errors.Is(err, errFatal) {
		t.Fatalf("error = %v, want errFatal", err)
	}
	if errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Error("non-retryable error should not report exhaustion")
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestRetryWithBackoff_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{Policy: BackoffPolicy{Initial: 500 * time.Millisecond, Max: time.Second, Factor: 2}, MaxAttempts: 5}

	start := time.Now()
	_, err := RetryWithBackoff(ctx, opts, func(_ context.Context, _ int) (string, error) {
		time.AfterFunc(10*time.Millisecond, cancel)
		return "", errTemporary
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("RetryWithBackoff() took %v after cancel", elapsed)
	}
}

func TestRetryWithBackoff_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempts int32
	_, err := RetryWithBackoff(ctx, fastOptions(5), func(_ context.Context, _ int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "success", nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if atomic.LoadInt32(&attempts) != 0 {
		t.Errorf("fn called %d times, want 0", attempts)
	}
}

func TestRetryWithBackoff_ZeroAttemptsMeansOne(t *testing.T) {
	var attempts int32
	_, err := RetryWithBackoff(context.Background(), fastOptions(0), func(_ context.Context, _ int) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errTemporary
	})

	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("error = %v, want ErrMaxAttemptsExhausted", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("fn called %d times, want 1", attempts)
	}
}
