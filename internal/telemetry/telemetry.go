// =============================================================================
// SwarmFlow tracing and metrics
// =============================================================================
// Span names, the terminal task counter, and OTLP provider setup. Engine code
// only touches Tracer/Meter; the process entrypoint owns Init and Shutdown.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/config"
)

// InstrumentationName scopes every SwarmFlow tracer and meter.
const InstrumentationName = "github.com/BaSui01/swarmflow"

// Spans emitted by the engine.
const (
	SpanTick     = "scheduler.tick"
	SpanDispatch = "engine.dispatch"
	SpanConverge = "collaboration.converge"
	SpanRemap    = "chain.remap"
)

// TasksFinishedMetric counts tasks that reached a terminal status, with
// "status" and "reason" attributes.
const TasksFinishedMetric = "swarmflow.tasks.finished"

const defaultServiceName = "swarmflow"

// Tracer returns the SwarmFlow tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Meter returns the SwarmFlow meter of the global provider.
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// TasksFinished creates the terminal task counter on the global meter.
func TasksFinished() (metric.Int64Counter, error) {
	return Meter().Int64Counter(TasksFinishedMetric,
		metric.WithDescription("Tasks that reached a terminal status"),
		metric.WithUnit("{task}"),
	)
}

// Providers owns the SDK providers installed by Init. The zero value is
// the disabled state; Shutdown is then a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init exports spans and metrics over OTLP gRPC when cfg.Enabled and
// installs the providers globally. Disabled telemetry leaves the noop
// globals in place and opens no connection.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	ctx := context.Background()
	spans, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p, err := install(ctx, cfg, sdktrace.NewBatchSpanProcessor(spans), sdkmetric.NewPeriodicReader(points))
	if err != nil {
		return nil, err
	}
	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", serviceName(cfg)),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

// install builds providers around a span processor and a metric reader and
// makes them the globals. Sampling follows the parent span, so a traced
// ops request keeps the engine spans it triggers.
func install(ctx context.Context, cfg config.TelemetryConfig, spans sdktrace.SpanProcessor, reader sdkmetric.Reader) (*Providers, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName(cfg)),
		semconv.ServiceVersion(buildVersion()),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Providers{tp: tp, mp: mp}, nil
}

// Shutdown flushes buffered spans and metrics and closes the exporters.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return defaultServiceName
	}
	return cfg.ServiceName
}

// buildVersion is the main module version, or "dev" for local builds.
func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
