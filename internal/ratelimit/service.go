package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"vitalsync/internal/logger"
	"vitalsync/pkg/clock"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. The request must be treated as denied.
	ErrStoreUnavailable = apperrors.ErrStoreUnavailable
	ErrInvalidQuota     = apperrors.ErrValidation
)

const (
	maxKeyLength = 256
	maxInterval  = 24 * time.Hour
)

type Service struct {
	store  Store
	clock  clock.Clock
	logger logger.Logger
}

func NewService(store Store, clk clock.Clock, log logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		store:  store,
		clock:  clk,
		logger: log,
	}
}

// Consume takes one token from the bucket for key. A denial is a normal
// result, not an error. Errors are either invalid parameters or
// ErrStoreUnavailable; in both cases the caller must not proceed.
func (s *Service) Consume(ctx context.Context, key string, limit int64, interval time.Duration) (Result, error) {
	if err := validateQuota(key, limit, interval); err != nil {
		return Result{}, err
	}

	start := time.Now()
	res, err := s.store.Consume(ctx, key, limit, interval, s.clock.Now())
	metrics.ObserveRateLimitStoreDuration(s.store.Name(), time.Since(start))

	if err != nil {
		metrics.IncRateLimitDecision(s.store.Name(), "error")
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		s.logger.ErrorwCtx(ctx, "Rate limit store unavailable, denying request",
			"key", key,
			"store", s.store.Name(),
			"error", err,
		)
		return Result{}, ErrStoreUnavailable.WithCause(err)
	}

	if res.Allowed {
		metrics.IncRateLimitDecision(s.store.Name(), "allowed")
	} else {
		metrics.IncRateLimitDecision(s.store.Name(), "denied")
		s.logger.DebugwCtx(ctx, "Rate limit exceeded", "key", key, "limit", limit, "interval", interval)
	}
	return res, nil
}

func validateQuota(key string, limit int64, interval time.Duration) error {
	switch {
	case strings.TrimSpace(key) == "":
		return ErrInvalidQuota.WithDetail("message", "key is required")
	case len(key) > maxKeyLength:
		return ErrInvalidQuota.WithDetail("message", "key is too long")
	case limit <= 0:
		return ErrInvalidQuota.WithDetail("message", "limit must be positive")
	case interval < time.Millisecond:
		return ErrInvalidQuota.WithDetail("message", "intervalMs must be positive")
	case interval > maxInterval:
		return ErrInvalidQuota.WithDetail("message", "intervalMs must not exceed one day")
	}
	return nil
}
