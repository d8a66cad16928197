package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/uav-fleet-commander/internal/config"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.Default(), logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.IsRecording() {
		t.Fatalf("span recorded with tracing disabled")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	cfg := config.Default()
	cfg.TracingEnabled = true
	cfg.TracingExporter = "zipkin"
	if _, err := InitTracing(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestFleetResourceCarriesLayout(t *testing.T) {
	cfg := config.Default()
	cfg.Vehicles = 4
	cfg.BasePort = 15000
	cfg.ServiceName = "fleet-east"

	res, err := FleetResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FleetResource: %v", err)
	}
	set := res.Set()
	if v, ok := set.Value("fleet.vehicles"); !ok || v.AsInt64() != 4 {
		t.Fatalf("fleet.vehicles = %v (present %t)", v.Emit(), ok)
	}
	if v, ok := set.Value("fleet.base_port"); !ok || v.AsInt64() != 15000 {
		t.Fatalf("fleet.base_port = %v (present %t)", v.Emit(), ok)
	}
	if v, _ := set.Value("service.name"); v.AsString() != "fleet-east" {
		t.Fatalf("service.name = %q", v.AsString())
	}
}

func TestTracerProviderExportsFleetSpans(t *testing.T) {
	cfg := config.Default()
	cfg.Vehicles = 2
	res, err := FleetResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FleetResource: %v", err)
	}
	exp := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(res, exp, 1)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "commander.connect")
	span.SetAttributes(attribute.Int("vehicle.id", 1))
	span.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "commander.connect" {
		t.Fatalf("exported spans = %+v", spans)
	}
	if v, ok := spans[0].Resource.Set().Value("fleet.vehicles"); !ok || v.AsInt64() != 2 {
		t.Fatalf("span resource lacks fleet.vehicles")
	}
}

func TestShutdownWithTimeoutBoundsFlush(t *testing.T) {
	start := time.Now()
	ShutdownWithTimeout(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond, nil)
	if time.Since(start) > time.Second {
		t.Fatalf("shutdown not bounded")
	}
}
