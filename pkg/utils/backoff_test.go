package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(10))
}

func TestBackoffAttempts(t *testing.T) {
	assert.Equal(t, 1, Backoff{}.Attempts())
	assert.Equal(t, 3, DefaultBackoff.Attempts())
}

func TestBackoffSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Backoff{InitialDelay: time.Hour}.Sleep(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffRetry(t *testing.T) {
	b := Backoff{MaxAttempts: 3, InitialDelay: time.Millisecond}

	calls := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("bad request")
	err = b.Retry(context.Background(), func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	assert.Equal(t, boom, err)
	assert.False(t, IsPermanent(err))
	assert.True(t, IsPermanent(Permanent(boom)))
	assert.Equal(t, 1, calls)

	calls = 0
	err = b.Retry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}
