package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	doubling := BackoffPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		name    string
		policy  BackoffPolicy
		attempt int
		r       float64
		want    time.Duration
	}{
		{name: "first attempt", policy: doubling, attempt: 1, r: 0.5, want: 100 * time.Millisecond},
		{name: "third attempt quadruples", policy: doubling, attempt: 3, r: 0.5, want: 400 * time.Millisecond},
		{name: "attempt 0 treated as 1", policy: doubling, attempt: 0, want: 100 * time.Millisecond},
		{name: "factor below 1 is constant", policy: BackoffPolicy{Initial: time.Second, Factor: 0.5}, attempt: 4, want: time.Second},
		{
			name:    "capped",
			policy:  BackoffPolicy{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2},
			attempt: 10,
			want:    500 * time.Millisecond,
		},
		{
			name:    "jitter at the top of the range",
			policy:  BackoffPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1},
			attempt: 1,
			r:       1.0,
			want:    110 * time.Millisecond,
		},
		{
			name:    "jitter never exceeds the cap",
			policy:  BackoffPolicy{Initial: 100 * time.Millisecond, Max: 105 * time.Millisecond, Factor: 1, Jitter: 0.5},
			attempt: 1,
			r:       1.0,
			want:    105 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.delay(tt.attempt, tt.r); got != tt.want {
				t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDefaultPolicyJitterRange(t *testing.T) {
	policy := DefaultPolicy()
	for i := 0; i < 100; i++ {
		got := policy.Delay(2)
		if got < time.Second || got > 1200*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want in [1s, 1.2s]", got)
		}
	}
}

func TestWait(t *testing.T) {
	start := time.Now()
	if err := wait(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("wait() returned after %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start = time.Now()
	if err := wait(ctx, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("wait() ignored the deadline: %v", elapsed)
	}
}
