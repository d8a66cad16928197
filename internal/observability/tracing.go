package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/uav-fleet-commander/internal/config"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
)

const defaultOTLPEndpoint = "localhost:4317"

// InitTracing installs the global tracer provider described by cfg and
// returns the function that flushes it. With tracing disabled a noop
// provider is installed and the returned function does nothing.
func InitTracing(ctx context.Context, cfg config.Config, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.TracingEnabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	res, err := FleetResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := newTracerProvider(res, exp, cfg.TracingSampleRatio)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.TracingExporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", cfg.TracingSampleRatio),
	)
	return tp.Shutdown, nil
}

// FleetResource identifies this process to trace backends, including the
// fleet layout it commands.
func FleetResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "uav-fleet"),
		attribute.String("fleet.host", cfg.Host),
		attribute.Int("fleet.vehicles", cfg.Vehicles),
		attribute.Int("fleet.base_port", cfg.BasePort),
		attribute.Int("fleet.first_vehicle_id", cfg.IDOffset),
		attribute.Float64("fleet.update_rate_hz", cfg.UpdateRateHz),
		attribute.Float64("fleet.min_separation_m", cfg.MinSeparation),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
}

// newSpanExporter builds the configured exporter. Stdout spans go to w, one
// JSON document per span.
func newSpanExporter(ctx context.Context, cfg config.Config, w io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.TracingExporter {
	case config.ExporterStdout, "":
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case config.ExporterOTLP:
		endpoint := cfg.TracingEndpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.TracingExporter)
	}
}

// ShutdownWithTimeout flushes pending spans, giving up after timeout. Errors
// are logged only.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, timeout time.Duration, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
