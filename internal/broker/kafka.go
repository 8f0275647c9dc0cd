package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"vitalsync/internal/config"
	"vitalsync/internal/constants"
	"vitalsync/internal/logger"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/logging"
	"vitalsync/pkg/metrics"
	"vitalsync/pkg/retry"
	"vitalsync/pkg/tracing"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: constants.ServiceName}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg Message) error {
	km, err := toKafkaMessage(topic, msg)
	if err != nil {
		return apperrors.ErrValidation.WithCause(err)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, msg.SubjectID)
	defer span.End()
	km.Headers = tracing.InjectTraceContext(ctx, km.Headers)

	start := time.Now()
	err = p.writer.WriteMessages(ctx, km)
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return apperrors.ErrDeliveryFailed.WithCause(fmt.Errorf("failed to write kafka message: %w", err))
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(km.Value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	readers     []*kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

// NewKafkaConsumer reads with cfg.GroupID. Every instance that fans out to
// its own observers needs a group of its own, otherwise instances split the
// stream between them.
func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume blocks until ctx is done.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     c.cfg.GroupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx, reader, topic, handler)
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) loop(ctx context.Context, reader *kafka.Reader, topic string, handler HandlerFunc) {
	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming", "topic", topic)
				return
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message", "error", err, "topic", topic)
			time.Sleep(time.Second)
			continue
		}

		metrics.IncKafkaMessagesRead(c.serviceName, topic)
		metrics.ObserveKafkaMessageSize(c.serviceName, topic, "in", len(m.Value))
		if m.HighWaterMark > 0 {
			metrics.SetKafkaConsumerLag(c.serviceName, topic, m.Partition, m.HighWaterMark-m.Offset-1)
		}

		c.handle(ctx, consumeCtx, reader, m, topic, handler)
	}
}

func (c *KafkaConsumer) handle(ctx, consumeCtx context.Context, reader *kafka.Reader, m kafka.Message, topic string, handler HandlerFunc) {
	msg, err := fromKafkaMessage(m)
	if err != nil {
		reason := "invalid_headers"
		var verr *envelope.ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		metrics.IncFrameDropped("broker", reason)
		c.logger.ErrorwCtx(consumeCtx, "Dropping undecodable message",
			"error", err,
			"topic", topic,
			"offset", m.Offset,
		)
		c.commit(consumeCtx, reader, m, topic)
		return
	}
	metrics.IncFrameDecoded("broker", msg.Envelope.Type.String())

	msgCtx, span := tracing.StartConsumerSpan(ctx, topic, msg.SubjectID, m.Headers)
	defer span.End()
	msgCtx = logging.WithSubjectID(msgCtx, msg.SubjectID)
	msgCtx = logging.WithServiceName(msgCtx, c.serviceName)
	if msg.Origin != "" {
		msgCtx = logging.WithConnectionID(msgCtx, msg.Origin)
	}

	if err := c.processMessageWithRetry(msgCtx, msg, handler, topic); err != nil {
		span.RecordError(err)
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries", "error", err, "topic", topic)
		if c.dlqProducer != nil {
			if dlqErr := c.sendToDLQ(msgCtx, msg, err, topic); dlqErr != nil {
				c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ", "error", dlqErr, "topic", topic)
			}
		} else {
			c.logger.WarnwCtx(msgCtx, "No DLQ configured, committing message to avoid blocking", "topic", topic)
		}
	}
	c.commit(msgCtx, reader, m, topic)
}

func (c *KafkaConsumer) commit(ctx context.Context, reader *kafka.Reader, m kafka.Message, topic string) {
	if err := reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to commit message", "error", err, "topic", topic)
	}
}

func (c *KafkaConsumer) Close() error {
	var errs []error
	c.mu.Lock()
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	c.mu.Unlock()
	if c.dlqProducer != nil {
		errs = append(errs, c.dlqProducer.Close())
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, msg Message, handler HandlerFunc, topic string) error {
	policy := retry.FromConfig(c.cfg.Retry)
	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing", "error", err, "topic", topic)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, msg Message, originalErr error, sourceTopic string) error {
	attrs := make(map[string]string, len(msg.Attributes)+3)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs["dlq_reason"] = originalErr.Error()
	attrs["dlq_source_topic"] = sourceTopic
	attrs["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	msg.Attributes = attrs

	if err := c.dlqProducer.Publish(ctx, c.cfg.DLQTopic, msg); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, "max_retries_exceeded").Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)
	return nil
}
