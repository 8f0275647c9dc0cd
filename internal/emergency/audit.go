package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"vitalsync/internal/logger"
	"vitalsync/pkg/metrics"
	"vitalsync/pkg/migrations"
)

// Audit entry origins.
const (
	SourceClient = "client"
	SourceRelay  = "relay"
)

// AuditEntry carries alert metadata only. Message is the operator-facing
// description and is expected to be free of personal data.
type AuditEntry struct {
	ID         string    `bson:"_id" json:"id"`
	AlertID    string    `bson:"alert_id,omitempty" json:"alertId,omitempty"`
	SubjectID  string    `bson:"subject_id" json:"subjectId"`
	Event      string    `bson:"event" json:"event"`
	Kind       string    `bson:"kind" json:"kind"`
	Severity   string    `bson:"severity" json:"severity"`
	Message    string    `bson:"message" json:"message"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
	Source     string    `bson:"source" json:"source"`
	OccurredAt time.Time `bson:"occurred_at" json:"occurredAt"`
}

type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	ListBySubject(ctx context.Context, subjectID string, limit int64) ([]AuditEntry, error)
}

type mongoAuditRepository struct {
	collection *mongo.Collection
}

// NewMongoAuditRepository creates the collection indexes and returns the
// repository.
func NewMongoAuditRepository(ctx context.Context, db *mongo.Database, collection string) (AuditRepository, error) {
	if err := migrations.EnsureEmergencyAuditIndexes(ctx, db, collection); err != nil {
		return nil, fmt.Errorf("failed to prepare emergency audit collection: %w", err)
	}
	return &mongoAuditRepository{collection: db.Collection(collection)}, nil
}

func (r *mongoAuditRepository) Record(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := r.collection.InsertOne(ctx, entry)
	metrics.ObserveDatabaseQueryDuration("vitalsync", "mongodb", "audit_insert", time.Since(start))
	if err != nil {
		metrics.IncDatabaseQuery("vitalsync", "mongodb", "audit_insert", "error")
		return fmt.Errorf("failed to record emergency audit entry: %w", err)
	}
	metrics.IncDatabaseQuery("vitalsync", "mongodb", "audit_insert", "success")
	return nil
}

func (r *mongoAuditRepository) ListBySubject(ctx context.Context, subjectID string, limit int64) ([]AuditEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"subject_id": subjectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list emergency audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []AuditEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode emergency audit entries: %w", err)
	}
	return entries, nil
}

// AuditListener records every coordinator event for subjectID. Writes are
// bounded by timeout and failures are only logged, so a slow audit store
// never delays alert delivery beyond timeout.
func AuditListener(repo AuditRepository, subjectID string, timeout time.Duration, log logger.Logger) Listener {
	return func(e Event) {
		entry := &AuditEntry{
			AlertID:    e.AlertID,
			SubjectID:  subjectID,
			Event:      string(e.Kind),
			Kind:       e.Alert.Kind,
			Severity:   e.Alert.Severity,
			Message:    e.Alert.Message,
			Source:     SourceClient,
			OccurredAt: time.Now().UTC(),
		}
		if e.Err != nil {
			entry.Error = e.Err.Error()
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := repo.Record(ctx, entry); err != nil {
			log.Warnw("Failed to audit emergency event", "alert_id", e.AlertID, "event", e.Kind, "error", err)
		}
	}
}

// Fanout combines listeners into one, called in order.
func Fanout(listeners ...Listener) Listener {
	return func(e Event) {
		for _, l := range listeners {
			if l != nil {
				l(e)
			}
		}
	}
}
