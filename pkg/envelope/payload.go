package envelope

import "time"

// Payload is implemented only by the payload structs in this package.
type Payload interface {
	MessageType() Type
	sealed()
}

type ConnectionEstablished struct {
	ClientID string `json:"clientId" validate:"required"`
	Message  string `json:"message,omitempty"`
}

type ClientIdentification struct {
	ClientType string    `json:"clientType" validate:"required,max=32"`
	UserID     string    `json:"userId" validate:"required"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
}

// LiveHealthUpdate is a single vital-sign sample. Metric is carried in the
// "type" field on the wire (heart_rate, spo2, ...).
type LiveHealthUpdate struct {
	Metric    string    `json:"type" validate:"required,max=64"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit" validate:"required,max=32"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source" validate:"required,max=128"`
}

type HealthRecord struct {
	ID        string    `json:"id" validate:"required"`
	SubjectID string    `json:"subjectId,omitempty"`
	Metric    string    `json:"type" validate:"required,max=64"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit" validate:"required,max=32"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source,omitempty"`
}

// HistoricalDataUpdate is one page of history. An empty NextCursor marks
// the last page.
type HistoricalDataUpdate struct {
	Items      []HealthRecord `json:"items" validate:"dive"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// EmergencyAlert must not carry personally identifying free text; Message
// is a short operator-facing description.
type EmergencyAlert struct {
	Kind      string    `json:"kind" validate:"required,max=64"`
	Severity  string    `json:"severity" validate:"required,oneof=low medium high critical"`
	Message   string    `json:"message" validate:"required,max=280"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

type Ping struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

type Error struct {
	Message string `json:"message" validate:"required"`
}

func (ConnectionEstablished) MessageType() Type { return TypeConnectionEstablished }
func (ClientIdentification) MessageType() Type  { return TypeClientIdentification }
func (LiveHealthUpdate) MessageType() Type      { return TypeLiveHealthUpdate }
func (HistoricalDataUpdate) MessageType() Type  { return TypeHistoricalDataUpdate }
func (EmergencyAlert) MessageType() Type        { return TypeEmergencyAlert }
func (Ping) MessageType() Type                  { return TypePing }
func (Pong) MessageType() Type                  { return TypePong }
func (Error) MessageType() Type                 { return TypeError }

func (ConnectionEstablished) sealed() {}
func (ClientIdentification) sealed()  {}
func (LiveHealthUpdate) sealed()      {}
func (HistoricalDataUpdate) sealed()  {}
func (EmergencyAlert) sealed()        {}
func (Ping) sealed()                  {}
func (Pong) sealed()                  {}
func (Error) sealed()                 {}

func newPayload(t Type) Payload {
	switch t {
	case TypeConnectionEstablished:
		return &ConnectionEstablished{}
	case TypeClientIdentification:
		return &ClientIdentification{}
	case TypeLiveHealthUpdate:
		return &LiveHealthUpdate{}
	case TypeHistoricalDataUpdate:
		return &HistoricalDataUpdate{}
	case TypeEmergencyAlert:
		return &EmergencyAlert{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeError:
		return &Error{}
	default:
		return nil
	}
}

// deref turns the pointer used for unmarshalling back into the value type
// handlers switch on.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ConnectionEstablished:
		return *v
	case *ClientIdentification:
		return *v
	case *LiveHealthUpdate:
		return *v
	case *HistoricalDataUpdate:
		return *v
	case *EmergencyAlert:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Error:
		return *v
	default:
		return p
	}
}
