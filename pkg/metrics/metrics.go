package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of token bucket decisions (count)",
		},
		[]string{"store", "result"},
	)

	RateLimitStoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_store_duration_ms",
			Help:    "Duration of a bucket read-modify-write in milliseconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"store"},
	)

	HTTPRateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limit_requests_total",
			Help: "Total number of requests checked against the per-IP rate limit (count)",
		},
		[]string{"status"},
	)

	FramesDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_frames_decoded_total",
			Help: "Total number of inbound frames that passed validation (count)",
		},
		[]string{"side", "type"},
	)

	FramesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_frames_dropped_total",
			Help: "Total number of inbound frames dropped by validation, quota or routing (count)",
		},
		[]string{"side", "reason"},
	)

	ConnectionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_transitions_total",
			Help: "Total number of live channel status transitions (count)",
		},
		[]string{"status"},
	)

	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts (count)",
		},
		[]string{"outcome"},
	)

	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_heartbeat_latency_ms",
			Help:    "Round trip time between ping and pong in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)

	EmergencyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_events_total",
			Help: "Total number of emergency coordinator events (count)",
		},
		[]string{"kind"},
	)

	ThresholdEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threshold_rule_evaluations_total",
			Help: "Total number of threshold rule evaluations (count)",
		},
		[]string{"rule", "result"},
	)

	IngestedSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingested_samples_total",
			Help: "Total number of health samples accepted by the ingestion endpoint (count)",
		},
		[]string{"metric"},
	)

	RelayActiveSubjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_subjects",
			Help: "Number of subjects with at least one live connection (count)",
		},
	)

	RelayActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of open live channel connections (count)",
		},
	)

	RelayFramesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total number of frames written to live channel connections (count)",
		},
		[]string{"type"},
	)

	RelaySlowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_slow_consumers_total",
			Help: "Total number of connections dropped because their send buffer was full (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

func RegisterRateLimitMetrics() {
	prometheus.MustRegister(RateLimitDecisionsTotal)
	prometheus.MustRegister(RateLimitStoreDuration)
	prometheus.MustRegister(HTTPRateLimitRequestsTotal)
}

func RegisterSyncMetrics() {
	prometheus.MustRegister(FramesDecodedTotal)
	prometheus.MustRegister(FramesDroppedTotal)
	prometheus.MustRegister(ConnectionTransitionsTotal)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(HeartbeatLatency)
	prometheus.MustRegister(EmergencyEventsTotal)
	prometheus.MustRegister(ThresholdEvaluationsTotal)
}

func RegisterRelayMetrics() {
	prometheus.MustRegister(IngestedSamplesTotal)
	prometheus.MustRegister(RelayActiveSubjects)
	prometheus.MustRegister(RelayActiveConnections)
	prometheus.MustRegister(RelayFramesSentTotal)
	prometheus.MustRegister(RelaySlowConsumersTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterDatabaseMetrics() {
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func IncRateLimitDecision(store, result string) {
	RateLimitDecisionsTotal.WithLabelValues(store, result).Inc()
}

func ObserveRateLimitStoreDuration(store string, duration time.Duration) {
	RateLimitStoreDuration.WithLabelValues(store).Observe(float64(duration.Microseconds()) / 1000)
}

func IncFrameDecoded(side, msgType string) {
	FramesDecodedTotal.WithLabelValues(side, msgType).Inc()
}

func IncFrameDropped(side, reason string) {
	FramesDroppedTotal.WithLabelValues(side, reason).Inc()
}

func IncConnectionTransition(status string) {
	ConnectionTransitionsTotal.WithLabelValues(status).Inc()
}

func IncReconnectAttempt(outcome string) {
	ReconnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveHeartbeatLatency(latency time.Duration) {
	HeartbeatLatency.Observe(float64(latency.Milliseconds()))
}

func IncEmergencyEvent(kind string) {
	EmergencyEventsTotal.WithLabelValues(kind).Inc()
}

func IncThresholdEvaluation(rule, result string) {
	ThresholdEvaluationsTotal.WithLabelValues(rule, result).Inc()
}

func IncIngestedSample(metric string) {
	IngestedSamplesTotal.WithLabelValues(metric).Inc()
}

func SetRelayActiveSubjects(count int) {
	RelayActiveSubjects.Set(float64(count))
}

func SetRelayActiveConnections(count int) {
	RelayActiveConnections.Set(float64(count))
}

func IncRelayFrameSent(msgType string) {
	RelayFramesSentTotal.WithLabelValues(msgType).Inc()
}

func IncRelaySlowConsumer() {
	RelaySlowConsumersTotal.Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
