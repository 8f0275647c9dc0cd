package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Connection     ConnectionConfig
	Emergency      EmergencyConfig
	Relay          RelayConfig
	Thresholds     []ThresholdRuleConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers        []string    `mapstructure:"brokers"`
	GroupID        string      `mapstructure:"group_id"`
	SamplesTopic   string      `mapstructure:"samples_topic"`
	EmergencyTopic string      `mapstructure:"emergency_topic"`
	DLQTopic       string      `mapstructure:"dlq_topic"`
	Retry          RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig covers both the token-bucket quota service and the coarse
// per-IP limiter in front of the HTTP API.
type RateLimitConfig struct {
	Store     string         `mapstructure:"store"` // "redis" or "memory"
	KeyPrefix string         `mapstructure:"key_prefix"`
	Ingestion IngestionQuota `mapstructure:"ingestion"`

	// Live meters the sample and alert frames a device writes on the
	// live channel.
	Live IngestionQuota      `mapstructure:"live"`
	HTTP HTTPRateLimitConfig `mapstructure:"http"`
}

type IngestionQuota struct {
	Enabled  bool          `mapstructure:"enabled"`
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type HTTPRateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

// ConnectionConfig holds the client-side live channel settings used by the
// monitor command and any embedded Facade.
type ConnectionConfig struct {
	URL               string          `mapstructure:"url"`
	HistoryURL        string          `mapstructure:"history_url"`
	Token             string          `mapstructure:"token"`
	ClientType        string          `mapstructure:"client_type"`
	UserID            string          `mapstructure:"user_id"`
	ConnectionTimeout time.Duration   `mapstructure:"connection_timeout"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	StaleMultiplier   int             `mapstructure:"stale_multiplier"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
	DegradedLatency   time.Duration   `mapstructure:"degraded_latency"`
	PoorLatency       time.Duration   `mapstructure:"poor_latency"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type EmergencyConfig struct {
	DefaultWindow   time.Duration `mapstructure:"default_window"`
	AuditCollection string        `mapstructure:"audit_collection"`
}

type RelayConfig struct {
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	// AllowedOrigins restricts browser upgrades; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ThresholdRuleConfig struct {
	Name       string        `mapstructure:"name"`
	Expression string        `mapstructure:"expression"`
	Kind       string        `mapstructure:"kind"`
	Severity   string        `mapstructure:"severity"`
	Message    string        `mapstructure:"message"`
	Window     time.Duration `mapstructure:"window"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
