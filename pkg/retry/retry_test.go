package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlood = errors.New("too many requests")

func fastRetrier(opts ...Option) *Retrier {
	base := []Option{WithInitialDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond), WithJitter(0)}
	return New(append(base, opts...)...)
}

func TestDo_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	err := fastRetrier(WithMaxAttempts(5)).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errFlood)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsUnwrappedAfterLastAttempt(t *testing.T) {
	calls := 0
	err := fastRetrier(WithMaxAttempts(2)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errFlood)
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, errFlood, err)
}

func TestDo_PlainErrorIsNotRetried(t *testing.T) {
	calls := 0
	plain := errors.New("chat not found")
	err := fastRetrier().Do(context.Background(), func(context.Context) error {
		calls++
		return plain
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, plain)
}

func TestStartupRetrier_RetriesEveryError(t *testing.T) {
	var retried []int
	calls := 0
	r := StartupRetrier(func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastRetrier().Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	r := New(WithInitialDelay(time.Second), WithMaxDelay(3*time.Second), WithJitter(0))

	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 3*time.Second, r.calculateDelay(3))
}
