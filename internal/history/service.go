// Package history stores health samples and serves them back as cursor
// paginated pages. Newly ingested samples are also published as live
// updates for the subject's observers.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"vitalsync/internal/constants"
	"vitalsync/internal/logger"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

// Publisher fans a live frame out to the observers of subjectID.
type Publisher interface {
	Publish(ctx context.Context, subjectID string, env envelope.Envelope) error
}

type Service struct {
	repo      Repository
	publisher Publisher
	clock     clock.Clock
	logger    logger.Logger
}

func NewService(repo Repository, publisher Publisher, clk clock.Clock, log logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{repo: repo, publisher: publisher, clock: clk, logger: log}
}

// Sample is one incoming measurement. ID is optional; clients that retry
// a failed request should resend the ids they got back to avoid
// duplicates.
type Sample struct {
	ID     string
	Update envelope.LiveHealthUpdate
}

// IngestResult lists the stored ids in request order.
type IngestResult struct {
	IDs      []string `json:"ids"`
	Inserted int      `json:"inserted"`
}

func (s *Service) Ingest(ctx context.Context, subjectID string, samples []Sample) (IngestResult, error) {
	if err := validateSubject(subjectID); err != nil {
		return IngestResult{}, err
	}
	if len(samples) == 0 || len(samples) > constants.MaxSamplesPerRequest {
		return IngestResult{}, errors.ErrValidation.WithDetail("message",
			fmt.Sprintf("between 1 and %d samples are required", constants.MaxSamplesPerRequest))
	}

	records := make([]envelope.HealthRecord, 0, len(samples))
	ids := make([]string, 0, len(samples))
	for i, sample := range samples {
		if err := envelope.Validate(sample.Update); err != nil {
			return IngestResult{}, errors.ErrValidation.WithCause(err).
				WithDetail("message", fmt.Sprintf("samples[%d]: %v", i, err))
		}
		id := sample.ID
		if id == "" {
			id = uuid.New().String()
		}
		ids = append(ids, id)
		records = append(records, envelope.HealthRecord{
			ID:        id,
			SubjectID: subjectID,
			Metric:    sample.Update.Metric,
			Value:     sample.Update.Value,
			Unit:      sample.Update.Unit,
			Timestamp: sample.Update.Timestamp.UTC(),
			Source:    sample.Update.Source,
		})
	}

	inserted, err := s.repo.Append(ctx, records)
	if err != nil {
		return IngestResult{}, err
	}

	if s.publisher != nil {
		now := s.clock.Now()
		for _, sample := range samples {
			if err := s.publisher.Publish(ctx, subjectID, envelope.New(sample.Update, now)); err != nil {
				s.logger.ErrorwCtx(ctx, "Failed to publish live update",
					"subject_id", subjectID,
					"metric", sample.Update.Metric,
					"error", err,
				)
				return IngestResult{IDs: ids, Inserted: inserted},
					errors.ErrDeliveryFailed.WithCause(err).WithDetail("message", "samples stored but not published")
			}
			metrics.IncIngestedSample(sample.Update.Metric)
		}
	}

	s.logger.DebugwCtx(ctx, "Samples ingested", "subject_id", subjectID, "count", len(samples), "inserted", inserted)
	return IngestResult{IDs: ids, Inserted: inserted}, nil
}

func (s *Service) Page(ctx context.Context, subjectID, cursorValue string, limit int) (envelope.HistoricalDataUpdate, error) {
	if err := validateSubject(subjectID); err != nil {
		return envelope.HistoricalDataUpdate{}, err
	}
	after, err := ParseCursor(cursorValue)
	if err != nil {
		return envelope.HistoricalDataUpdate{}, err
	}
	switch {
	case limit <= 0:
		limit = constants.DefaultHistoryLimit
	case limit > constants.MaxHistoryLimit:
		limit = constants.MaxHistoryLimit
	}

	items, next, err := s.repo.Page(ctx, subjectID, after, limit)
	if err != nil {
		return envelope.HistoricalDataUpdate{}, err
	}

	page := envelope.HistoricalDataUpdate{Items: items}
	if next != nil {
		page.NextCursor = next.Encode()
	}
	return page, nil
}

func validateSubject(subjectID string) error {
	if strings.TrimSpace(subjectID) == "" || len(subjectID) > 128 {
		return errors.ErrValidation.WithDetail("message", "subject id must be 1-128 characters")
	}
	return nil
}
