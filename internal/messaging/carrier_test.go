package messaging

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetReplacesExisting(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: "traceparent", Value: []byte("old")}}}
	c := headerCarrier{msg: &msg}

	c.Set("traceparent", "new")
	c.Set("tracestate", "vendor=1")

	assert.Equal(t, "new", c.Get("traceparent"))
	assert.Equal(t, "vendor=1", c.Get("tracestate"))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Len(t, msg.Headers, 2)
}

func TestHeaderCarrier_TraceContextRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var msg kafka.Message
	prop.Inject(parent, headerCarrier{msg: &msg})
	require.NotEmpty(t, msg.Headers)

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{msg: &msg}))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}
