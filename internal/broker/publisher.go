package broker

import (
	"context"

	"vitalsync/pkg/envelope"
)

// TopicPublisher binds a Producer to one topic. It serves both ingestion,
// which publishes server generated frames, and the relay, which forwards
// frames on behalf of a connection.
type TopicPublisher struct {
	producer Producer
	topic    string
}

func NewTopicPublisher(p Producer, topic string) *TopicPublisher {
	return &TopicPublisher{producer: p, topic: topic}
}

func (p *TopicPublisher) Topic() string {
	return p.topic
}

func (p *TopicPublisher) Publish(ctx context.Context, subjectID string, env envelope.Envelope) error {
	return p.Forward(ctx, subjectID, "", env)
}

func (p *TopicPublisher) Forward(ctx context.Context, subjectID, origin string, env envelope.Envelope) error {
	return p.producer.Publish(ctx, p.topic, Message{SubjectID: subjectID, Origin: origin, Envelope: env})
}
