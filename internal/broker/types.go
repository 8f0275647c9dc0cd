// Package broker carries envelopes between server instances so that
// observers of one subject see the same stream regardless of which
// instance they are connected to.
package broker

import (
	"context"

	"vitalsync/pkg/envelope"
)

const (
	HeaderSubjectID = "subject_id"
	HeaderOrigin    = "origin_conn"
	HeaderType      = "envelope_type"
)

// Message is one envelope in flight.
type Message struct {
	SubjectID string
	// Origin is the relay connection the frame arrived on, empty for
	// server generated frames.
	Origin   string
	Envelope envelope.Envelope
	// Attributes travel as extra headers.
	Attributes map[string]string
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg Message) error
