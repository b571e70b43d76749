package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryIf_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryIf(context.Background(), fastRetry(), IsRetryable, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errBackend
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryIf_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := RetryIf(context.Background(), fastRetry(), IsRetryable, func(ctx context.Context) error {
		attempts++
		return Permanent(errBackend)
	})

	if !errors.Is(err, errBackend) {
		t.Errorf("Expected wrapped errBackend, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryIfWithResult_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryIfWithResult(context.Background(), fastRetry(), IsRetryable, func(ctx context.Context) (string, error) {
		attempts++
		return "", errBackend
	})

	if !errors.Is(err, errBackend) {
		t.Errorf("Expected errBackend, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errBackend, true},
		{"permanent", Permanent(errBackend), false},
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	uncapped := RetryConfig{BaseDelay: time.Second}
	if got := uncapped.Backoff(5); got != 32*time.Second {
		t.Errorf("uncapped Backoff(5) = %v, want 32s", got)
	}
}

func TestRetryConfig_BackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := cfg.Backoff(0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", d)
		}
	}
}

func TestRetryIf_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}
	err := RetryIf(ctx, cfg, IsRetryable, func(ctx context.Context) error { return errBackend })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
