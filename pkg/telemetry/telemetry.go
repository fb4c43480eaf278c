// Package telemetry installs the global OpenTelemetry tracer and meter
// providers used by the launch service.
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
)

const ServiceName = "hsu-launcher"

type Config struct {
	Enabled bool
	// Writer receives exported spans and metrics; nil discards them.
	Writer  io.Writer
	Version string
	Logger  logging.Logger
}

type Shutdown func(context.Context) error

// Init installs the providers. When telemetry is disabled the global no-op
// providers stay in place and the returned Shutdown does nothing.
func Init(ctx context.Context, config Config) (Shutdown, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	writer := config.Writer
	if writer == nil {
		writer = io.Discard
	}
	version := config.Version
	if version == "" {
		version = "dev"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, errors.NewInternalError("failed to create telemetry resource", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	if err != nil {
		return nil, errors.NewInternalError("failed to create trace exporter", err)
	}
	tracerProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(traceExporter),
		trace.WithSampler(trace.AlwaysSample()),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
	if err != nil {
		tracerProvider.Shutdown(ctx)
		return nil, errors.NewInternalError("failed to create metric exporter", err)
	}
	meterProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	if config.Logger != nil {
		config.Logger.Infof("Telemetry initialized, service: %s, version: %s", ServiceName, version)
	}

	return func(ctx context.Context) error {
		var first error
		for _, fn := range []func(context.Context) error{tracerProvider.Shutdown, meterProvider.Shutdown} {
			if err := fn(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}, nil
}
