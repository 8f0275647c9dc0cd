package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 15*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 15*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("rate_limit.store", "redis")
	viper.SetDefault("rate_limit.key_prefix", "ratelimit:")
	viper.SetDefault("rate_limit.ingestion.enabled", true)
	viper.SetDefault("rate_limit.ingestion.limit", 120)
	viper.SetDefault("rate_limit.ingestion.interval", time.Minute)
	viper.SetDefault("rate_limit.live.enabled", true)
	viper.SetDefault("rate_limit.live.limit", 600)
	viper.SetDefault("rate_limit.live.interval", time.Minute)

	viper.SetDefault("connection.client_type", "monitor")
	viper.SetDefault("connection.connection_timeout", 10*time.Second)
	viper.SetDefault("connection.heartbeat_interval", 30*time.Second)
	viper.SetDefault("connection.stale_multiplier", 2)
	viper.SetDefault("connection.reconnect.base_delay", time.Second)
	viper.SetDefault("connection.reconnect.max_delay", 30*time.Second)
	viper.SetDefault("connection.reconnect.max_attempts", 5)
	viper.SetDefault("connection.degraded_latency", 500*time.Millisecond)
	viper.SetDefault("connection.poor_latency", 2*time.Second)

	viper.SetDefault("emergency.default_window", 10*time.Second)
	viper.SetDefault("emergency.audit_collection", "emergency_audit")

	viper.SetDefault("relay.write_timeout", 10*time.Second)
	viper.SetDefault("relay.max_message_bytes", 64*1024)
	viper.SetDefault("relay.send_buffer", 64)
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.samples_topic", "BROKER_KAFKA_SAMPLES_TOPIC")
	viper.BindEnv("broker.kafka.emergency_topic", "BROKER_KAFKA_EMERGENCY_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("connection.url", "CONNECTION_URL")
	viper.BindEnv("connection.history_url", "CONNECTION_HISTORY_URL")
	viper.BindEnv("connection.token", "CONNECTION_TOKEN")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
