// Package telemetry sets up OpenTelemetry tracing for outbound backend calls
// and the local API.
package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/neura/neura/internal/logging"
)

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// Config controls the tracer provider
type Config struct {
	Enabled     bool
	ServiceName string
	Writer      io.Writer // spans are written here; defaults to stderr
}

// InitTracer installs a global tracer provider exporting spans as JSON.
// When disabled it leaves the no-op provider in place.
func InitTracer(cfg Config) (ShutdownFunc, error) {
	log := logging.Component("telemetry")
	if !cfg.Enabled {
		log.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
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
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.WithField("service", cfg.ServiceName).Info("OpenTelemetry initialized")
	return tp.Shutdown, nil
}
