package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_Success(t *testing.T) {
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	called := 0
	err := Do(context.Background(), cfg, func() error {
		called++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, called, "should succeed on first attempt")
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Millisecond,
	}

	called := 0
	err := Do(context.Background(), cfg, func() error {
		called++
		if called < 3 {
			return errors.New("socket not open yet")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, called, "should succeed on third attempt")
}

func TestDo_ExhaustedRetries(t *testing.T) {
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
	}

	called := 0
	testErr := errors.New("connection refused")
	err := Do(context.Background(), cfg, func() error {
		called++
		return testErr
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, 3, called, "should attempt exactly MaxRetries times")
}

func TestDo_NonRetryableError(t *testing.T) {
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Millisecond,
	}

	permanent := errors.New("permanent failure")
	called := 0
	err := Do(context.Background(), cfg, func() error {
		called++
		return permanent
	}, func(err error) bool {
		return false
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, called, "non-retryable error should not be retried")
}

func TestDo_ContextCancelled(t *testing.T) {
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	called := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		called++
		return errors.New("not yet")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, called, 10, "cancellation should stop the retry loop early")
}

func TestDo_InvalidMaxRetries(t *testing.T) {
	err := Do(context.Background(), Config{MaxRetries: 0}, func() error { return nil }, nil)
	require.Error(t, err)
}

func TestBackoffFor_Exponential(t *testing.T) {
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}

	assert.Equal(t, 100*time.Millisecond, backoffFor(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoffFor(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, backoffFor(cfg, 3))
}

func TestBackoffFor_Capped(t *testing.T) {
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}

	assert.Equal(t, 250*time.Millisecond, backoffFor(cfg, 5))
}

func TestBackoffFor_JitterBounded(t *testing.T) {
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		Jitter:         0.5,
	}

	for i := 0; i < 20; i++ {
		backoff := backoffFor(cfg, 2)
		assert.GreaterOrEqual(t, backoff, 200*time.Millisecond)
		assert.LessOrEqual(t, backoff, 400*time.Millisecond)
	}
}
