package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	cause := errors.New("persistent error")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("bad parameter")
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(cause)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NonRetryable(nil))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_MaxElapsedBoundsWaiting(t *testing.T) {
	cfg := Config{
		MaxAttempts:  100,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   1.0,
		MaxElapsed:   50 * time.Millisecond,
	}

	start := time.Now()
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("down")
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
	assert.Less(t, attempts, 100)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestRetry_BackoffTiming(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error {
		return errors.New("error")
	})

	// 10ms + 20ms + 40ms
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRetry_InvalidConfig(t *testing.T) {
	fn := func() error { return nil }
	assert.Error(t, Do(context.Background(), Config{InitialDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{MaxDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{Multiplier: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{MaxElapsed: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, fn))
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not ready")
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRetry_Presets(t *testing.T) {
	rec := Recovery()
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Equal(t, time.Second, rec.MaxElapsed)
	assert.LessOrEqual(t, rec.MaxDelay, rec.MaxElapsed)

	st := Startup()
	assert.Equal(t, 10, st.MaxAttempts)
	assert.Greater(t, st.MaxElapsed, time.Duration(0))

	def := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, def.InitialDelay)
	assert.Zero(t, def.MaxElapsed)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}
