package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Base: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterAttemptBudget(t *testing.T) {
	calls := 0
	var waits []time.Duration
	policy := Policy{
		Attempts: 4,
		Base:     time.Millisecond,
		Notify:   func(_ error, wait time.Duration) { waits = append(waits, wait) },
	}
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestDoReturnsPermanentErrorsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	policy := Policy{
		Attempts:  5,
		Base:      time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Base: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
