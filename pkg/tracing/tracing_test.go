package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"vitalsync/internal/config"
)

func TestInit_DisabledStillPropagates(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "instance-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartProducerSpan(context.Background(), "health_samples", "patient-1")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "subject_id", Value: []byte("patient-1")}})
	require.Len(t, headers, 2)
	assert.Equal(t, "traceparent", headers[1].Key)

	consumerCtx, consumer := StartConsumerSpan(context.Background(), "health_samples", "patient-1", headers)
	defer consumer.End()
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(consumerCtx).TraceID())
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		cfg  config.SamplerConfig
		want string
	}{
		{config.SamplerConfig{Type: "always_on"}, "AlwaysOnSampler"},
		{config.SamplerConfig{Type: "always_off"}, "AlwaysOffSampler"},
		{config.SamplerConfig{Type: "traceidratio", Param: 0.5}, "TraceIDRatioBased{0.5}"},
		{config.SamplerConfig{}, "ParentBased{root:AlwaysOnSampler,remoteParentSampled:AlwaysOnSampler,remoteParentNotSampled:AlwaysOffSampler,localParentSampled:AlwaysOnSampler,localParentNotSampled:AlwaysOffSampler}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, newSampler(tt.cfg).Description(), tt.cfg.Type)
	}
}

func TestKafkaHeaderCarrier_SetReplaces(t *testing.T) {
	c := &kafkaHeaderCarrier{}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestUntracedPath(t *testing.T) {
	assert.True(t, untracedPath("/health"))
	assert.True(t, untracedPath("/metrics"))
	assert.True(t, untracedPath("/swagger/index.html"))
	assert.False(t, untracedPath("/api/v1/subjects/p-1/samples"))
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(trace.SpanFromContext(context.Background())))
}
