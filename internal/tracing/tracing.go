// Package tracing wires an optional OTLP trace exporter. When no endpoint
// is configured the provider is never installed and span creation is a
// no-op through the otel global.
package tracing

import (
	"context"
	"fmt"

	"ssw-nginx-etl/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ssw-nginx-etl"

// Setup installs the tracer provider and returns its shutdown func. With
// tracing disabled it returns a no-op shutdown.
func Setup(ctx context.Context, cfg types.TracingConfig, serviceName, version string) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sample))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartFileSpan opens the per-file span the processor wraps its work in.
func StartFileSpan(ctx context.Context, path, partition string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "process_file",
		trace.WithAttributes(
			attribute.String("log.file.path", path),
			attribute.String("log.file.partition", partition),
		))
}

// StartBatchSpan opens a span around one warehouse flush.
func StartBatchSpan(ctx context.Context, rows int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "flush_batch",
		trace.WithAttributes(attribute.Int("batch.rows", rows)))
}
