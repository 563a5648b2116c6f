// Package observer provides OTEL-based tracing for turn, provider, tool, and
// sandbox operations. Spans export over OTLP/HTTP to any OTEL-compatible
// backend; configuration comes from standard OTEL env vars plus an optional
// explicit endpoint.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/rheza/manta/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter. endpoint
// may be empty, in which case OTEL_EXPORTER_OTLP_ENDPOINT applies. Returns a
// shutdown function that must be called on application exit.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("manta")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	var expOpts []otlptracehttp.Option
	if endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpointURL(endpoint))
	}
	traceExp, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
