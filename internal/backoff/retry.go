package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retrier runs an operation up to Attempts times, sleeping per Policy between failures.
type Retrier struct {
	Policy   Policy
	Attempts int

	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(context.Context, time.Duration) error
}

// Result reports how a retried operation ended.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Do runs fn with the retrier's policy. The returned error wraps ErrAttemptsExhausted
// and the last failure when all attempts fail.
func Do[T any](ctx context.Context, r Retrier, fn func(ctx context.Context, attempt int) (T, error)) (Result[T], error) {
	var res Result[T]

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			res.Value = value
			res.LastError = nil
			return res, nil
		}
		res.LastError = err

		if r.Retryable != nil && !r.Retryable(err) {
			return res, err
		}
		if attempt == attempts {
			break
		}

		delay := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return res, err
		}
	}

	return res, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, res.Attempts, res.LastError)
}
