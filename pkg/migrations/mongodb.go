package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureEmergencyAuditIndexes creates the indexes the emergency audit trail
// is queried by. The collection itself is created on first insert.
func EnsureEmergencyAuditIndexes(ctx context.Context, db *mongo.Database, collection string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subject_id", Value: 1}, {Key: "occurred_at", Value: -1}},
			Options: options.Index().SetName("idx_emergency_audit_subject_occurred"),
		},
		{
			Keys:    bson.D{{Key: "alert_id", Value: 1}},
			Options: options.Index().SetName("idx_emergency_audit_alert_id"),
		},
		{
			Keys:    bson.D{{Key: "event", Value: 1}, {Key: "occurred_at", Value: -1}},
			Options: options.Index().SetName("idx_emergency_audit_event_occurred"),
		},
	}

	_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
