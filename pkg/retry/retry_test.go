package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vitalsync/internal/config"
	apperrors "vitalsync/pkg/errors"
)

func TestCalculateBackoffDuration_NonDecreasingAndCapped(t *testing.T) {
	base, max := 250*time.Millisecond, 5*time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := CalculateBackoffDuration(attempt, base, 2, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		prev = d
	}

	assert.Equal(t, base, CalculateBackoffDuration(0, base, 2, max))
	assert.Equal(t, time.Second, CalculateBackoffDuration(2, base, 2, max))
	assert.Equal(t, max, CalculateBackoffDuration(10, base, 2, max))
	assert.Equal(t, max, CalculateBackoffDuration(5000, base, 2, max))
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	calls := 0
	var retries []int
	err := RetryWithCallback(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetry_StopsOnFatal(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewFatalError(errors.New("bad credentials"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnNonRetryableAppError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return apperrors.ErrValidation
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return apperrors.ErrStoreUnavailable
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestFromConfig_OverlaysNonZeroFields(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 7, MaxInterval: time.Minute})

	def := DefaultPolicy()
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.MaxInterval)
	assert.Equal(t, def.InitialInterval, p.InitialInterval)
	assert.Equal(t, def.Multiplier, p.Multiplier)
	assert.Zero(t, p.MaxElapsedTime)
}
