package constants

import "time"

const (
	ServiceName = "vitalsync"
)

// ServiceVersion is overridden at link time.
var ServiceVersion = "dev"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	DefaultSamplesTopic   = "health_samples"
	DefaultEmergencyTopic = "emergency_alerts"
)

const (
	DefaultMongoDBName = "vitalsync"
)

const (
	ShutdownTimeout = 5 * time.Second
	AuditTimeout    = 2 * time.Second
)

const (
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 500
	MaxSamplesPerRequest = 500
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)
