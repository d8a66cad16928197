package config

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/uav-fleet-commander/core"
	"github.com/signalsfoundry/uav-fleet-commander/model"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.UpdateInterval(); got != 500*time.Millisecond {
		t.Fatalf("update interval = %s, want 500ms", got)
	}
	if cfg.Fence() != model.DefaultGeofence {
		t.Fatalf("fence = %+v, want %+v", cfg.Fence(), model.DefaultGeofence)
	}
	if cfg.MinSeparation != core.DefaultMinSeparation || cfg.RelaxFactor != core.DefaultRelaxFactor {
		t.Fatalf("sampling defaults drifted: %+v", cfg)
	}
}

func TestVehicleAddressing(t *testing.T) {
	cfg := Default()
	if got := cfg.VehicleAddr(0); got != "127.0.0.1:14540" {
		t.Fatalf("VehicleAddr(0) = %s", got)
	}
	if got := cfg.VehicleAddr(2); got != "127.0.0.1:14542" {
		t.Fatalf("VehicleAddr(2) = %s", got)
	}
	if got := cfg.VehicleID(0); got != 1 {
		t.Fatalf("VehicleID(0) = %d", got)
	}

	cfg.IDOffset = 10
	if got := cfg.VehicleID(2); got != 12 {
		t.Fatalf("VehicleID(2) with offset 10 = %d", got)
	}
}

func TestLoadPrecedence(t *testing.T) {
	env := envMap(map[string]string{
		"FLEET_VEHICLES":             "5",
		"FLEET_RADIUS":               "250",
		"FLEET_START_STAGGER":        "1s",
		"FLEET_STRICT_SYSID":         "true",
		"FLEET_TRACING_ENABLED":      "true",
		"FLEET_TRACING_EXPORTER":     "OTLP",
		"FLEET_TRACING_SAMPLE_RATIO": "0.25",
		"FLEET_OTLP_ENDPOINT":        "collector:4317",
	})

	cfg, err := Load([]string{"-vehicles", "4", "-alt-max", "60", "-tracing-sample-ratio", "0.5"}, env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Vehicles != 4 {
		t.Fatalf("vehicles = %d, flag should beat env", cfg.Vehicles)
	}
	if cfg.Radius != 250 {
		t.Fatalf("radius = %v, env should beat default", cfg.Radius)
	}
	if cfg.AltMax != 60 || cfg.StartStagger != time.Second || !cfg.StrictSystemID {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.BasePort != 14540 {
		t.Fatalf("base port = %d, default should be kept", cfg.BasePort)
	}
	if !cfg.TracingEnabled || cfg.TracingExporter != ExporterOTLP || cfg.TracingEndpoint != "collector:4317" {
		t.Fatalf("tracing options not loaded: %+v", cfg)
	}
	if cfg.TracingSampleRatio != 0.5 {
		t.Fatalf("sample ratio = %v, flag should beat env", cfg.TracingSampleRatio)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	_, err := Load(nil, envMap(map[string]string{"FLEET_BASE_PORT": "lots"}))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
	}
	if !strings.Contains(err.Error(), "FLEET_BASE_PORT") {
		t.Fatalf("error %q does not name the variable", err)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"-no-such-flag"}, envMap(nil))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadRejectsNonFiniteGeometry(t *testing.T) {
	for _, args := range [][]string{
		{"-radius", "Inf"},
		{"-alt-min", "NaN"},
		{"-alt-max", "Inf"},
		{"-min-separation", "+Inf"},
	} {
		if _, err := Load(args, envMap(nil)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("Load(%v) error = %v, want ErrInvalidConfig", args, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no vehicles", func(c *Config) { c.Vehicles = 0 }, "vehicles"},
		{"port overflow", func(c *Config) { c.BasePort = 65535; c.Vehicles = 2 }, "ports"},
		{"id overflow", func(c *Config) { c.IDOffset = 254; c.Vehicles = 3 }, "system id"},
		{"zero id", func(c *Config) { c.IDOffset = 0 }, "system id"},
		{"zero rate", func(c *Config) { c.UpdateRateHz = 0 }, "update rate"},
		{"NaN rate", func(c *Config) { c.UpdateRateHz = math.NaN() }, "update rate"},
		{"inverted altitude", func(c *Config) { c.AltMin = 40 }, "alt_max"},
		{"infinite radius", func(c *Config) { c.Radius = math.Inf(1) }, "radius"},
		{"NaN radius", func(c *Config) { c.Radius = math.NaN() }, "radius"},
		{"NaN alt_min", func(c *Config) { c.AltMin = math.NaN() }, "alt_min"},
		{"infinite alt_max", func(c *Config) { c.AltMax = math.Inf(1) }, "alt_max"},
		{"NaN alt_max", func(c *Config) { c.AltMax = math.NaN() }, "alt_max"},
		{"infinite separation", func(c *Config) { c.MinSeparation = math.Inf(1) }, "min separation"},
		{"NaN separation", func(c *Config) { c.MinSeparation = math.NaN() }, "min separation"},
		{"relax factor above one", func(c *Config) { c.RelaxFactor = 1.5 }, "relax factor"},
		{"no attempts", func(c *Config) { c.MaxAttempts = 0 }, "max attempts"},
		{"no grace", func(c *Config) { c.ShutdownGrace = 0 }, "shutdown grace"},
		{"empty host", func(c *Config) { c.Host = " " }, "host"},
		{"unknown exporter", func(c *Config) { c.TracingExporter = "zipkin" }, "tracing exporter"},
		{"sample ratio above one", func(c *Config) { c.TracingSampleRatio = 7 }, "sample ratio"},
		{"NaN sample ratio", func(c *Config) { c.TracingSampleRatio = math.NaN() }, "sample ratio"},
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
