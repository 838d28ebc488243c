package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []string
	cb := New("test",
		WithFailureThreshold(3),
		WithTimeout(time.Hour),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, transitions)

	snap := cb.Snapshot()
	assert.Equal(t, "test", snap.Name)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 3, snap.TotalFailures)
	assert.False(t, snap.LastFailureAt.IsZero())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithTimeout(time.Millisecond),
	)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithTimeout(time.Millisecond),
	)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	time.Sleep(5 * time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenBoundsTrials(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithTimeout(time.Millisecond),
	)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error { <-release; return nil })
	}()

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrTooManyRequests)

	close(release)
	assert.NoError(t, <-done)
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	perRecipient := errors.New("chat not found")
	cb := MessengerBreaker("telegram", func(err error) bool {
		return !errors.Is(err, perRecipient)
	}, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return perRecipient })
	}
	snap := cb.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, "telegram-api", snap.Name)
	assert.Zero(t, snap.TotalFailures)
}

func TestScheduleAPIBreaker_OptionsOverridePreset(t *testing.T) {
	cb := ScheduleAPIBreaker(nil, WithFailureThreshold(2))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}
