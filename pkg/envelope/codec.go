package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Encode validates data, stamps it with the current time and returns the
// JSON frame.
func Encode(t Type, data Payload) ([]byte, error) {
	return EncodeAt(t, data, time.Now())
}

func EncodeAt(t Type, data Payload, ts time.Time) ([]byte, error) {
	if data == nil {
		return nil, &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: "payload is required"}
	}
	return Marshal(Envelope{Type: t, Data: data, Timestamp: ts})
}

// Marshal is the producer-side counterpart of Decode: it refuses to emit a
// frame that Decode would reject.
func Marshal(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &ValidationError{Reason: ReasonUnknownType, Field: "type", Message: fmt.Sprintf("unknown type %q", env.Type)}
	}
	if env.Data == nil {
		return nil, &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: "payload is required"}
	}
	data := deref(env.Data)
	if data.MessageType() != env.Type {
		return nil, &ValidationError{
			Reason:  ReasonTypeMismatch,
			Field:   "data",
			Message: fmt.Sprintf("payload %s does not match type %s", data.MessageType(), env.Type),
		}
	}
	if env.Timestamp.IsZero() {
		return nil, &ValidationError{Reason: ReasonInvalidTimestamp, Field: "timestamp", Message: "timestamp is required"}
	}
	if page, ok := data.(HistoricalDataUpdate); ok && page.Items == nil {
		page.Items = []HealthRecord{}
		data = page
	}
	if err := validatePayload(data); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", env.Type, err)
	}

	frame, err := json.Marshal(wireEnvelope{
		Type:      string(env.Type),
		Data:      raw,
		Timestamp: env.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return frame, nil
}

// Decode parses and validates a frame. Any failure is reported as a
// *ValidationError; Decode never panics on hostile input.
func Decode(frame []byte) (env Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = Envelope{}
			err = &ValidationError{Reason: ReasonMalformedFrame, Message: fmt.Sprintf("decoder panic: %v", r)}
		}
	}()

	if len(bytes.TrimSpace(frame)) == 0 {
		return Envelope{}, &ValidationError{Reason: ReasonEmptyFrame, Message: "frame is empty"}
	}

	var wire wireEnvelope
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, &ValidationError{Reason: ReasonMalformedFrame, Message: err.Error()}
	}

	t := Type(wire.Type)
	if !t.Valid() {
		return Envelope{}, &ValidationError{Reason: ReasonUnknownType, Field: "type", Message: fmt.Sprintf("unknown type %q", wire.Type)}
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Envelope{}, &ValidationError{Reason: ReasonInvalidTimestamp, Field: "timestamp", Message: err.Error()}
	}

	if err := checkSchema(t, wire.Data); err != nil {
		return Envelope{}, err
	}

	payload := newPayload(t)
	if err := json.Unmarshal(wire.Data, payload); err != nil {
		return Envelope{}, &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: err.Error()}
	}
	if err := validatePayload(payload); err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: t, Data: deref(payload), Timestamp: ts}, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601: %w", value, err)
	}
	return ts.UTC(), nil
}
