// Package tracing wires distributed tracing for the synchronizer's dispatch
// loop: one span per processed Msg, child spans per Command the executor
// runs, so a slow sync-request or wedged heartbeat is visible end to end.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer builds a Jaeger-exporting TracerProvider and registers it as
// the global provider. Export failures surface later, on span flush, not
// here: a provider is always returned so callers can start spans even if
// the collector endpoint is unreachable.
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	return tp, err
}

// StartSpan starts a span named name under ctx, using the global tracer
// provider's "synchronizer" tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("synchronizer")
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
