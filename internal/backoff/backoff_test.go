package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.delay(tt.attempt, 0.5), "attempt %d", tt.attempt)
	}
}

func TestPolicyDelayJitter(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	assert.Equal(t, 100*time.Millisecond, p.delay(1, 0))
	assert.Equal(t, 150*time.Millisecond, p.delay(1, 1))

	d := p.Delay(1)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}

func TestPolicyDelayZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), Policy{}.Delay(3))
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo(t *testing.T) {
	t.Run("succeeds first attempt", func(t *testing.T) {
		calls := 0
		res, err := Do(context.Background(), Retrier{Attempts: 3, sleep: noSleep}, func(ctx context.Context, attempt int) (string, error) {
			calls++
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Value)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("succeeds on third attempt", func(t *testing.T) {
		var retried []int
		r := Retrier{
			Policy:   Policy{Initial: time.Millisecond, Factor: 2},
			Attempts: 3,
			OnRetry:  func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
			sleep:    noSleep,
		}

		res, err := Do(context.Background(), r, func(ctx context.Context, attempt int) (int, error) {
			if attempt < 3 {
				return 0, errFlaky
			}
			return attempt, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Value)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res, err := Do(context.Background(), Retrier{Attempts: 2, sleep: noSleep}, func(ctx context.Context, attempt int) (int, error) {
			return 0, errFlaky
		})
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, 2, res.Attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		permanent := errors.New("bad request")
		r := Retrier{
			Attempts:  5,
			Retryable: func(err error) bool { return !errors.Is(err, permanent) },
			sleep:     noSleep,
		}

		res, err := Do(context.Background(), r, func(ctx context.Context, attempt int) (int, error) {
			return 0, permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.NotErrorIs(t, err, ErrAttemptsExhausted)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, err := Do(ctx, Retrier{Attempts: 3}, func(ctx context.Context, attempt int) (int, error) {
			return 1, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), Retrier{}, func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, errFlaky
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
