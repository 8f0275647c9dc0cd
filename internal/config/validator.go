package config

import (
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateRateLimit(cfg.RateLimit, cfg.Database.Redis); err != nil {
		errors = append(errors, err)
	}

	if err := validateConnection(cfg.Connection); err != nil {
		errors = append(errors, err)
	}

	if err := validateThresholds(cfg.Thresholds); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "", "none":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.SamplesTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.samples_topic",
			Message: "samples topic is required",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "database.redis.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateRateLimit(cfg RateLimitConfig, redis RedisConfig) error {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
	case "redis":
		if redis.Host == "" {
			return &ValidationError{
				Field:   "rate_limit.store",
				Message: "redis store requires database.redis to be configured",
			}
		}
	default:
		return &ValidationError{
			Field:   "rate_limit.store",
			Message: fmt.Sprintf("invalid store: %s (valid: redis, memory)", cfg.Store),
		}
	}

	if err := validateQuota("rate_limit.ingestion", cfg.Ingestion); err != nil {
		return err
	}
	if err := validateQuota("rate_limit.live", cfg.Live); err != nil {
		return err
	}

	if cfg.HTTP.Enabled && (cfg.HTTP.RPS <= 0 || cfg.HTTP.Burst <= 0) {
		return &ValidationError{
			Field:   "rate_limit.http",
			Message: "rps and burst must be positive when enabled",
		}
	}

	return nil
}

func validateQuota(field string, q IngestionQuota) error {
	if !q.Enabled {
		return nil
	}
	if q.Limit <= 0 {
		return &ValidationError{
			Field:   field + ".limit",
			Message: "limit must be positive",
		}
	}
	if q.Interval <= 0 || q.Interval > 24*time.Hour {
		return &ValidationError{
			Field:   field + ".interval",
			Message: "interval must be positive and at most 24h",
		}
	}
	return nil
}

func validateConnection(cfg ConnectionConfig) error {
	if cfg.URL != "" && !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return &ValidationError{
			Field:   "connection.url",
			Message: "URL must start with ws:// or wss://",
		}
	}

	if cfg.HeartbeatInterval <= 0 {
		return &ValidationError{
			Field:   "connection.heartbeat_interval",
			Message: "heartbeat interval must be positive",
		}
	}

	if cfg.StaleMultiplier < 1 {
		return &ValidationError{
			Field:   "connection.stale_multiplier",
			Message: "stale multiplier must be at least 1",
		}
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "connection.reconnect.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Reconnect.BaseDelay <= 0 || cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return &ValidationError{
			Field:   "connection.reconnect",
			Message: "base_delay must be positive and max_delay must be at least base_delay",
		}
	}

	if cfg.PoorLatency > 0 && cfg.PoorLatency < cfg.DegradedLatency {
		return &ValidationError{
			Field:   "connection.poor_latency",
			Message: "poor_latency must be greater than or equal to degraded_latency",
		}
	}

	return nil
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

func validateThresholds(rules []ThresholdRuleConfig) error {
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		field := fmt.Sprintf("thresholds[%d]", i)
		if rule.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "rule name is required"}
		}
		if seen[rule.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate rule name %q", rule.Name)}
		}
		seen[rule.Name] = true

		if strings.TrimSpace(rule.Expression) == "" {
			return &ValidationError{Field: field + ".expression", Message: "expression is required"}
		}
		if rule.Kind == "" {
			return &ValidationError{Field: field + ".kind", Message: "kind is required"}
		}
		if !validSeverities[rule.Severity] {
			return &ValidationError{
				Field:   field + ".severity",
				Message: fmt.Sprintf("invalid severity: %s (valid: low, medium, high, critical)", rule.Severity),
			}
		}
		if rule.Window <= 0 {
			return &ValidationError{Field: field + ".window", Message: "window must be positive"}
		}
		if rule.Cooldown < 0 {
			return &ValidationError{Field: field + ".cooldown", Message: "cooldown must be non-negative"}
		}
	}
	return nil
}
