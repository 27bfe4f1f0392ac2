// Package telemetry wires up OpenTelemetry tracing for the resolver: a
// span exporter feeding a global tracer provider, plus an instrumented
// outbound HTTP transport.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpgrpc"
	"go.opentelemetry.io/otel/exporters/stdout"
	"go.opentelemetry.io/otel/propagation"
	exporttrace "go.opentelemetry.io/otel/sdk/export/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv"
)

var tracer = otel.Tracer("mediaresolver/telemetry")

// Options controls where spans go.
type Options struct {
	// ServiceName identifies this process in trace backends.
	ServiceName string

	// OTLPEndpoint is the host:port of an OTLP gRPC collector. When empty,
	// spans are written to stdout if Debug is set and dropped otherwise.
	OTLPEndpoint string

	// Debug pretty-prints spans to stdout when no collector is configured.
	Debug bool
}

// Setup installs a global tracer provider per opts and returns a shutdown
// function that flushes buffered spans. When opts selects no exporter the
// returned shutdown is a no-op and tracing stays disabled.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var (
		exporter exporttrace.SpanExporter
		err      error
	)
	switch {
	case opts.OTLPEndpoint != "":
		exporter, err = otlp.NewExporter(ctx, otlpgrpc.NewDriver(
			otlpgrpc.WithInsecure(),
			otlpgrpc.WithEndpoint(opts.OTLPEndpoint),
		))
	case opts.Debug:
		exporter, err = stdout.NewExporter(stdout.WithPrettyPrint())
	default:
		return func(context.Context) error { return nil }, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating span exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
		)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}
