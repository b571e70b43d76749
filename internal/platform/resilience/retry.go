package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig describes capped exponential backoff.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait. Zero leaves it uncapped.
	MaxDelay time.Duration
	// Jitter spreads each wait by up to ±Jitter of itself (0..1).
	Jitter float64
}

// DefaultRetryConfig suits short outbound calls such as SNS publishes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
}

// Backoff returns the wait after the given zero-based failed attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && (c.MaxDelay <= 0 || d < c.MaxDelay); i++ {
		d *= 2
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter > 0 && d > 0 {
		spread := float64(d) * c.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether err is worth another attempt. Open circuits,
// cancellations and Permanent errors are not.
func IsRetryable(err error) bool {
	var permanent *PermanentError
	return err != nil &&
		!errors.As(err, &permanent) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}

// RetryIf calls fn until it succeeds, retryable reports false, attempts run
// out or ctx ends.
func RetryIf(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) error) error {
	_, err := RetryIfWithResult(ctx, cfg, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryIfWithResult is RetryIf for functions returning a value.
func RetryIfWithResult[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		switch {
		case err == nil:
			return res, nil
		case !retryable(err):
			return zero, fmt.Errorf("non-retryable error: %w", err)
		case ctx.Err() != nil:
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case attempt+1 >= attempts:
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}
}
