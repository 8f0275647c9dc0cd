package broker

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"vitalsync/pkg/envelope"
)

// toKafkaMessage keys by subject so a subject's frames stay on one
// partition and keep their order.
func toKafkaMessage(topic string, msg Message) (kafka.Message, error) {
	if msg.SubjectID == "" {
		return kafka.Message{}, fmt.Errorf("subject id is required")
	}
	body, err := envelope.Marshal(msg.Envelope)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode envelope: %w", err)
	}

	headers := []kafka.Header{
		{Key: HeaderSubjectID, Value: []byte(msg.SubjectID)},
		{Key: HeaderType, Value: []byte(msg.Envelope.Type)},
	}
	if msg.Origin != "" {
		headers = append(headers, kafka.Header{Key: HeaderOrigin, Value: []byte(msg.Origin)})
	}
	for k, v := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.SubjectID),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

func fromKafkaMessage(m kafka.Message) (Message, error) {
	env, err := envelope.Decode(m.Value)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Envelope: env}
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderSubjectID:
			msg.SubjectID = string(h.Value)
		case HeaderOrigin:
			msg.Origin = string(h.Value)
		case HeaderType, "traceparent", "tracestate", "baggage":
		default:
			if msg.Attributes == nil {
				msg.Attributes = make(map[string]string)
			}
			msg.Attributes[h.Key] = string(h.Value)
		}
	}
	if msg.SubjectID == "" {
		msg.SubjectID = string(m.Key)
	}
	if msg.SubjectID == "" {
		return Message{}, fmt.Errorf("message carries no subject id")
	}
	return msg, nil
}
