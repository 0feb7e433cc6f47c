package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func installInMemory(t *testing.T, cfg config.TelemetryConfig) (*tracetest.InMemoryExporter, *sdkmetric.ManualReader, *Providers) {
	t.Helper()
	restoreGlobals(t)
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := install(context.Background(), cfg, sdktrace.NewSimpleSpanProcessor(spans), reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return spans, reader, p
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.Equal(t, before, otel.GetTracerProvider())

	_, span := Tracer().Start(context.Background(), SpanTick)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	_, ok = otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTracer_RecordsEngineSpans(t *testing.T) {
	spans, _, _ := installInMemory(t, config.TelemetryConfig{ServiceName: "swarmflow-test", SampleRate: 1})

	ctx, tick := Tracer().Start(context.Background(), SpanTick)
	_, dispatch := Tracer().Start(ctx, SpanDispatch)
	dispatch.SetAttributes(attribute.String("task_id", "t1"))
	dispatch.End()
	tick.End()

	got := spans.GetSpans()
	require.Len(t, got, 2)
	assert.Equal(t, SpanDispatch, got[0].Name)
	assert.Equal(t, SpanTick, got[1].Name)
	assert.Equal(t, got[1].SpanContext.SpanID(), got[0].Parent.SpanID())
	assert.Contains(t, got[0].Attributes, attribute.String("task_id", "t1"))
	assert.Equal(t, InstrumentationName, got[0].InstrumentationScope.Name)
	assert.Contains(t, got[0].Resource.Attributes(), semconv.ServiceName("swarmflow-test"))
}

func TestInstall_DefaultServiceNameAndSampling(t *testing.T) {
	spans, _, _ := installInMemory(t, config.TelemetryConfig{SampleRate: 0})

	_, span := Tracer().Start(context.Background(), SpanRemap)
	span.End()
	assert.Empty(t, spans.GetSpans())
	assert.Equal(t, "swarmflow", serviceName(config.TelemetryConfig{}))
}

func TestTasksFinished_CountsByStatus(t *testing.T) {
	_, reader, _ := installInMemory(t, config.TelemetryConfig{SampleRate: 1})

	counter, err := TasksFinished()
	require.NoError(t, err)
	ctx := context.Background()
	completed := attribute.NewSet(attribute.String("status", "completed"))
	counter.Add(ctx, 1, metric.WithAttributeSet(completed))
	counter.Add(ctx, 2, metric.WithAttributeSet(completed))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, InstrumentationName, rm.ScopeMetrics[0].Scope.Name)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, TasksFinishedMetric, m.Name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.True(t, sum.IsMonotonic)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	assert.Equal(t, completed, sum.DataPoints[0].Attributes)
}
