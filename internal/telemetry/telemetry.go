package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentation = "consultease/sync-service"

type Options struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Setup installs an OTLP/gRPC tracer provider when an endpoint is configured
// and returns its shutdown func. Without an endpoint the global no-op
// provider stays in place.
func Setup(opts Options) func(context.Context) error {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(context.Background(), exporterOpts...)
	if err != nil {
		slog.Error("otel exporter error", "error", err)
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		slog.Warn("otel resource error", "error", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	slog.Info("tracing enabled", "endpoint", opts.Endpoint, "service", opts.ServiceName)

	return provider.Shutdown
}

// Tracer returns the tracer used for the sync engine's spans.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentation)
}
