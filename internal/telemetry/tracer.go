// Package telemetry sets up OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures the tracer.
type Options struct {
	Enabled bool
	// Writer receives exported spans. Defaults to stderr so spans never mix
	// with anything a command prints on stdout.
	Writer io.Writer
	// Version is recorded as the service version.
	Version string
}

// InitTracer installs the global tracer provider. When tracing is disabled a
// no-op provider is installed and the returned shutdown does nothing.
func InitTracer(serviceName string, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if !opts.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))
	return tp.Shutdown, nil
}
