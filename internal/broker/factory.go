package broker

import (
	"fmt"

	"vitalsync/internal/config"
	"vitalsync/internal/logger"
)

// Enabled reports whether cross-instance fan-out is configured. "none" or
// an empty type keeps fan-out in process.
func Enabled(cfg config.BrokerConfig) bool {
	return cfg.Type != "" && cfg.Type != "none"
}

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
