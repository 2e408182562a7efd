package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tracer.Enabled())
	assert.Equal(t, "avalb", tracer.config.ServiceName)

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "avalb-test",
		Enabled:      true,
		SamplingRate: 1.0,
	})
	require.NoError(t, err)
	assert.True(t, tracer.Enabled())

	_, span := tracer.StartSpan(context.Background(), "health.check_all")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate float64
		want string
	}{
		{name: "always", rate: 1.0, want: "root:AlwaysOnSampler,"},
		{name: "above one", rate: 2.0, want: "root:AlwaysOnSampler,"},
		{name: "never", rate: 0, want: "root:AlwaysOffSampler,"},
		{name: "ratio", rate: 0.5, want: "root:TraceIDRatioBased{0.5},"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			desc := createSampler(tt.rate).Description()
			assert.True(t, strings.HasPrefix(desc, "ParentBased{"), desc)
			assert.Contains(t, desc, tt.want)
		})
	}
}

func TestOTLPOptions(t *testing.T) {
	t.Parallel()

	assert.Len(t, otlpOptions("localhost:4317"), 5)
}

func TestServiceAttributes(t *testing.T) {
	t.Parallel()

	attrs := serviceAttributes(TracerConfig{ServiceName: "avalb", ServiceVersion: "1.2.0", InstanceName: "edge-lb"})
	got := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, map[string]string{
		"service.name":        "avalb",
		"service.version":     "1.2.0",
		"service.instance.id": "edge-lb",
	}, got)

	assert.Len(t, serviceAttributes(TracerConfig{ServiceName: "avalb"}), 1)
}
