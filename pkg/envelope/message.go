// Package envelope defines the frames exchanged over the live channel and
// the codec that turns them into bytes and back.
//
// Every frame is a JSON object {"type", "data", "timestamp"}. The type tag
// comes from a closed set and selects exactly one payload struct, so code
// downstream of Decode switches on the concrete Payload type instead of
// re-validating loosely typed maps.
package envelope

import "time"

type Type string

const (
	TypeConnectionEstablished Type = "connection_established"
	TypeClientIdentification  Type = "client_identification"
	TypeLiveHealthUpdate      Type = "live_health_update"
	TypeHistoricalDataUpdate  Type = "historical_data_update"
	TypeEmergencyAlert        Type = "emergency_alert"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypeError                 Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeConnectionEstablished: {},
	TypeClientIdentification:  {},
	TypeLiveHealthUpdate:      {},
	TypeHistoricalDataUpdate:  {},
	TypeEmergencyAlert:        {},
	TypePing:                  {},
	TypePong:                  {},
	TypeError:                 {},
}

func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// Envelope is a decoded, validated frame. Data always holds the payload
// struct matching Type.
type Envelope struct {
	Type      Type
	Data      Payload
	Timestamp time.Time
}

// New wraps a payload in an envelope stamped with ts.
func New(data Payload, ts time.Time) Envelope {
	return Envelope{
		Type:      data.MessageType(),
		Data:      data,
		Timestamp: ts.UTC(),
	}
}
