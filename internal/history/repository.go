package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

type Repository interface {
	// Append stores records, skipping ids that already exist, and returns
	// the number of rows actually inserted.
	Append(ctx context.Context, records []envelope.HealthRecord) (int, error)
	// Page returns up to limit records older than after, newest first.
	Page(ctx context.Context, subjectID string, after *Cursor, limit int) ([]envelope.HealthRecord, *Cursor, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, records []envelope.HealthRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() {
		metrics.ObserveDatabaseQueryDuration("vitalsync", "postgres", "history_append", time.Since(start))
	}()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.IncDatabaseQuery("vitalsync", "postgres", "history_append", "error")
		return 0, classify(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_records (id, subject_id, metric, value, unit, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		metrics.IncDatabaseQuery("vitalsync", "postgres", "history_append", "error")
		return 0, classify(err, "failed to prepare insert")
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			rec.ID, rec.SubjectID, rec.Metric, rec.Value,
			rec.Unit, rec.Source, rec.Timestamp.UTC(),
		)
		if err != nil {
			metrics.IncDatabaseQuery("vitalsync", "postgres", "history_append", "error")
			return 0, classify(err, "failed to insert health record")
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.IncDatabaseQuery("vitalsync", "postgres", "history_append", "error")
		return 0, classify(err, "failed to commit health records")
	}
	metrics.IncDatabaseQuery("vitalsync", "postgres", "history_append", "success")
	return inserted, nil
}

func (r *PostgresRepository) Page(ctx context.Context, subjectID string, after *Cursor, limit int) ([]envelope.HealthRecord, *Cursor, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveDatabaseQueryDuration("vitalsync", "postgres", "history_page", time.Since(start))
	}()

	var (
		rows *sql.Rows
		err  error
	)
	// one extra row tells whether another page exists
	if after == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT seq, id, subject_id, metric, value, unit, source, recorded_at
			FROM health_records
			WHERE subject_id = $1
			ORDER BY recorded_at DESC, seq DESC
			LIMIT $2
		`, subjectID, limit+1)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT seq, id, subject_id, metric, value, unit, source, recorded_at
			FROM health_records
			WHERE subject_id = $1 AND (recorded_at, seq) < ($2, $3)
			ORDER BY recorded_at DESC, seq DESC
			LIMIT $4
		`, subjectID, after.RecordedAt.UTC(), after.Seq, limit+1)
	}
	if err != nil {
		metrics.IncDatabaseQuery("vitalsync", "postgres", "history_page", "error")
		return nil, nil, classify(err, "failed to query history")
	}
	defer rows.Close()

	items := make([]envelope.HealthRecord, 0, limit)
	var last Cursor
	more := false
	for rows.Next() {
		if len(items) == limit {
			more = true
			break
		}
		var (
			rec envelope.HealthRecord
			seq int64
		)
		if err := rows.Scan(&seq, &rec.ID, &rec.SubjectID, &rec.Metric, &rec.Value, &rec.Unit, &rec.Source, &rec.Timestamp); err != nil {
			metrics.IncDatabaseQuery("vitalsync", "postgres", "history_page", "error")
			return nil, nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		items = append(items, rec)
		last = Cursor{RecordedAt: rec.Timestamp, Seq: seq}
	}
	if err := rows.Err(); err != nil {
		metrics.IncDatabaseQuery("vitalsync", "postgres", "history_page", "error")
		return nil, nil, classify(err, "failed to read history")
	}
	metrics.IncDatabaseQuery("vitalsync", "postgres", "history_page", "success")

	if !more {
		return items, nil, nil
	}
	return items, &last, nil
}

// classify marks connection-level failures as store unavailability and
// leaves query errors as plain internal errors.
func classify(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57P0x: operator intervention
		if pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P03" {
			return apperrors.ErrStoreUnavailable.WithCause(err).WithDetail("message", msg)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	// anything else never reached the server (dial, pool, ErrConnDone)
	return apperrors.ErrStoreUnavailable.WithCause(err).WithDetail("message", msg)
}
