package connection

import (
	"time"
)

// Quality is derived from heartbeat round trips.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityPoor     Quality = "poor"
)

// Status is the coarse, user-visible view of a State.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusConnecting Status = "connecting"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

// State is a snapshot of the live channel. The Manager is its only writer;
// everybody else receives copies.
type State struct {
	Connected         bool          `json:"connected"`
	Connecting        bool          `json:"connecting"`
	LastError         string        `json:"lastError,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	Latency           time.Duration `json:"-"`
	LatencyMs         int64         `json:"latencyMs"`
	DataQuality       Quality       `json:"dataQuality"`
	// Terminal is set once automatic reconnection has given up.
	Terminal      bool   `json:"terminal"`
	InvalidFrames uint64 `json:"invalidFrames"`
	// NextRetryIn is the delay before the scheduled reconnect, zero when
	// none is pending.
	NextRetryIn time.Duration `json:"-"`
}

func initialState() State {
	return State{DataQuality: QualityGood}
}

func (s State) Status() Status {
	switch {
	case s.Connected && s.DataQuality != QualityGood:
		return StatusDegraded
	case s.Connected:
		return StatusConnected
	case s.Connecting:
		return StatusConnecting
	default:
		return StatusOffline
	}
}

func qualityFor(latency, degraded, poor time.Duration) Quality {
	switch {
	case poor > 0 && latency >= poor:
		return QualityPoor
	case degraded > 0 && latency >= degraded:
		return QualityDegraded
	default:
		return QualityGood
	}
}
