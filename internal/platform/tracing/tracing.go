// Package tracing wires OpenTelemetry distributed tracing for the
// scheduler process. This is an ambient observability concern, not a
// domain-specific one, so it is carried over from the teacher
// (internal/observability/otel.go) even though none of the teacher's
// domain-specific collaborators (vision, speech, document AI, neo4j, ...)
// made it into this module: a dispatch loop making scheduling decisions
// under failure and recovery is exactly the kind of thing an operator
// wants trace spans for.
package tracing

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticerun/scheduler/internal/platform/envutil"
	"github.com/latticerun/scheduler/internal/platform/logger"
)

// Config controls trace-provider construction. Mirrors the
// OTEL_EXPORTER_OTLP_* / OTEL_ENABLED env surface the teacher reads,
// because that surface is the OpenTelemetry SDK's own convention, not
// something specific to either repo.
type Config struct {
	ServiceName string
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// LoadConfig reads tracing settings from the environment.
func LoadConfig() Config {
	return Config{
		ServiceName: envutil.String("OTEL_SERVICE_NAME", "latticerun-scheduler"),
		Enabled:     envutil.Bool("OTEL_ENABLED", false),
		Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		SampleRatio: envutil.Float("OTEL_SAMPLER_RATIO", 0.1),
	}
}

var tracer trace.Tracer = otel.Tracer("github.com/latticerun/scheduler")

// Init builds and installs a global TracerProvider. When disabled it
// installs nothing and leaves otel's default no-op provider in place, so
// every StartSpan call below stays cheap and safe to leave in the hot path
// unconditionally. It returns a shutdown func the caller must invoke on
// process exit (a no-op when disabled).
func Init(ctx context.Context, log *logger.Logger, cfg Config) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "latticerun-scheduler"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("service.component", "scheduler"),
		),
	)
	if err != nil && log != nil {
		log.Warn("otel resource init failed (continuing)", "error", err)
	}

	exporter, err := buildExporter(ctx, cfg, log)
	if err != nil && log != nil {
		log.Warn("otel exporter init failed (continuing)", "error", err)
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))))
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer("github.com/latticerun/scheduler")

	if log != nil {
		log.Info("otel tracing initialized", "service", serviceName, "endpoint", cfg.Endpoint)
	}
	return tp.Shutdown
}

func buildExporter(ctx context.Context, cfg Config, log *logger.Logger) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	if log != nil {
		log.Warn("otel enabled with no OTLP endpoint configured, using stdout exporter")
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// StartSpan starts a span on the globally installed tracer. Safe to call
// before Init: it returns a no-op span from the otel default provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
