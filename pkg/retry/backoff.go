package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backOff builds the jittered schedule Retry waits on. A zero
// MaxElapsedTime leaves only MaxAttempts as the bound.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime
	exp.Reset()

	return backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(p.MaxAttempts-1))
}

// CalculateBackoffDuration returns initialInterval * multiplier^attempt capped
// at maxInterval. It is deterministic (no jitter) so callers that own their
// own timers, like the live channel reconnect loop, can schedule it directly.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) || math.IsInf(duration, 0) || math.IsNaN(duration) {
		return maxInterval
	}
	return time.Duration(duration)
}
