// Package telemetry wires OpenTelemetry tracing and metrics for the engine.
//
// Setup installs a global TracerProvider (OTLP/gRPC, OTLP/HTTP or stdout
// exporter), a global MeterProvider and the W3C propagator. When telemetry is
// disabled the global no-op providers stay in place, so instrumented code
// needs no conditionals.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/geomind/core"
)

// InstrumentationName is the tracer and meter name used across the engine.
const InstrumentationName = "github.com/itsneelabh/geomind"

// metricInterval is how often metrics are pushed to the collector.
const metricInterval = 30 * time.Second

// ShutdownFunc flushes and stops the providers installed by Setup.
type ShutdownFunc func(context.Context) error

// Setup configures global tracing and metrics from the telemetry section.
func Setup(ctx context.Context, cfg core.TelemetryConfig, logger core.Logger) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return noop, nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(getServiceVersion()),
		attribute.String("geomind.exporter", cfg.Exporter),
	)

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	meters, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetMeterProvider(meters)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Telemetry initialized", map[string]interface{}{
		"operation":        "telemetry.Setup",
		"exporter":         cfg.Exporter,
		"endpoint":         cfg.Endpoint,
		"metrics_endpoint": cfg.MetricsEndpoint,
		"service_name":     cfg.ServiceName,
		"sampling_rate":    cfg.SamplingRate,
	})

	return func(ctx context.Context) error {
		return errors.Join(provider.Shutdown(ctx), meters.Shutdown(ctx))
	}, nil
}

func newExporter(ctx context.Context, cfg core.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/HTTP exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, &core.FrameworkError{
			Op:      "telemetry.Setup",
			Kind:    "config",
			Message: fmt.Sprintf("unknown exporter %q", cfg.Exporter),
			Err:     core.ErrInvalidConfiguration,
		}
	}
}

// newMeterProvider pushes to an OTLP/HTTP collector when one is configured.
// Otherwise instruments aggregate in-process and are never exported.
func newMeterProvider(ctx context.Context, cfg core.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsEndpoint != "" {
		mopts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.MetricsEndpoint)}
		if cfg.Insecure {
			mopts = append(mopts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, mopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// getServiceVersion gets the service version from environment or default
func getServiceVersion() string {
	if version := os.Getenv("OTEL_SERVICE_VERSION"); version != "" {
		return version
	}
	return "0.1.0"
}
