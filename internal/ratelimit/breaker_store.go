package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"vitalsync/internal/logger"
	"vitalsync/pkg/circuitbreaker"
)

// BreakerStore stops hammering an unhealthy backing store. While the breaker
// is open every call fails fast, which the Service turns into a denial.
type BreakerStore struct {
	next    Store
	breaker *circuitbreaker.Wrapper
}

func NewBreakerStore(next Store, cfg circuitbreaker.Config, log logger.Logger) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "ratelimit-" + next.Name()
	}
	// a caller going away is not a store failure
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	cfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnw("Rate limit store circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	return &BreakerStore{next: next, breaker: circuitbreaker.NewWrapper(cfg)}
}

func (s *BreakerStore) Name() string {
	return s.next.Name()
}

func (s *BreakerStore) Consume(ctx context.Context, key string, limit int64, interval time.Duration, now time.Time) (Result, error) {
	res, err := s.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return s.next.Consume(ctx, key, limit, interval, now)
	})
	if err != nil {
		return Result{}, err
	}
	return res.(Result), nil
}
