// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// Options configures tracing.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Stdout exports spans as JSON to Writer. When false the global
	// provider is left untouched and spans are dropped.
	Stdout bool
	Writer io.Writer
}

// InitTracer installs a tracer provider per opts and returns its shutdown
// function. The returned function is never nil.
func InitTracer(opts Options, logger *slog.Logger) (ShutdownFunc, error) {
	if !opts.Stdout {
		return func(context.Context) error { return nil }, nil
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		slog.String("service", opts.ServiceName),
		slog.String("exporter", "stdout"),
	)
	return tp.Shutdown, nil
}
