// Package bootstrap opens and closes the external dependencies a vitalsync
// process runs against.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"vitalsync/internal/broker"
	"vitalsync/internal/config"
	"vitalsync/internal/logger"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
	// InstanceID distinguishes this process in consumer groups.
	InstanceID string
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:     cfg,
		Logger:     log,
		InstanceID: instanceID(),
	}
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

// InitBroker is a no-op when no broker is configured; fan-out then stays in
// process. The consumer joins a group of its own so that every instance
// sees every frame.
func (b *Base) InitBroker(serviceName string) error {
	if !broker.Enabled(b.Config.Broker) {
		b.Logger.Infow("No broker configured, fan-out is in process only")
		return nil
	}

	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	consumerCfg := b.Config.Broker
	consumerCfg.Kafka.GroupID = fmt.Sprintf("%s-%s", consumerCfg.Kafka.GroupID, b.InstanceID)
	consumer, err := broker.NewConsumer(consumerCfg, b.Logger)
	if err != nil {
		producer.Close()
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}

	b.Producer = producer
	b.Consumer = consumer
	b.Logger.Infow("Broker initialized",
		"type", b.Config.Broker.Type,
		"group_id", consumerCfg.Kafka.GroupID,
	)
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application")

	// Callers drain their servers first so in-flight requests can still
	// publish.
	var errs []error
	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}
	errs = append(errs, b.ShutdownBroker()...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
