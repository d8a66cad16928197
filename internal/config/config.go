// Package config assembles the fleet's flat option set. Values come from
// built-in defaults, then FLEET_* environment variables, then flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/uav-fleet-commander/core"
	"github.com/signalsfoundry/uav-fleet-commander/kb"
	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// ErrInvalidConfig wraps every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Span exporters accepted in TracingExporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config is the complete fleet configuration.
type Config struct {
	Host     string
	BasePort int
	Vehicles int
	// IDOffset is added to the zero-based vehicle index to form its id.
	IDOffset int

	UpdateRateHz     float64
	WaypointInterval time.Duration
	ConnectTimeout   time.Duration

	Radius        float64
	AltMin        float64
	AltMax        float64
	MinSeparation float64

	Freshness   time.Duration
	RelaxFactor float64
	RelaxAfter  int
	MaxAttempts int

	StartStagger   time.Duration
	ShutdownGrace  time.Duration
	StrictSystemID bool

	MetricsAddr string
	StatusAddr  string

	// Tracing is off unless TracingEnabled is set. TracingEndpoint is the
	// OTLP gRPC collector address and is ignored by the stdout exporter.
	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
	ServiceName        string
}

// Default returns the reference configuration: three vehicles on
// 127.0.0.1:14540-14542 with ids 1-3.
func Default() Config {
	fence := model.DefaultGeofence
	return Config{
		Host:               "127.0.0.1",
		BasePort:           14540,
		Vehicles:           3,
		IDOffset:           1,
		UpdateRateHz:       2,
		WaypointInterval:   5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		Radius:             fence.Radius,
		AltMin:             fence.AltMin,
		AltMax:             fence.AltMax,
		MinSeparation:      core.DefaultMinSeparation,
		Freshness:          kb.DefaultFreshnessWindow,
		RelaxFactor:        core.DefaultRelaxFactor,
		RelaxAfter:         core.DefaultRelaxAfter,
		MaxAttempts:        core.DefaultMaxAttempts,
		StartStagger:       5 * time.Second,
		ShutdownGrace:      5 * time.Second,
		MetricsAddr:        ":9090",
		StatusAddr:         ":50051",
		TracingExporter:    ExporterStdout,
		TracingSampleRatio: 1,
		ServiceName:        "fleet-commander",
	}
}

// Fence returns the configured geofence.
func (c Config) Fence() model.Geofence {
	return model.Geofence{Radius: c.Radius, AltMin: c.AltMin, AltMax: c.AltMax}
}

// UpdateInterval converts the update rate into a loop period.
func (c Config) UpdateInterval() time.Duration {
	if c.UpdateRateHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.UpdateRateHz)
}

// VehicleID returns the id of the vehicle at the zero-based index.
func (c Config) VehicleID(index int) model.VehicleID {
	return model.VehicleID(index + c.IDOffset)
}

// VehicleAddr returns the UDP address the vehicle at index listens on.
func (c Config) VehicleAddr(index int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.BasePort+index))
}

// Validate rejects configurations that cannot produce a working fleet.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Host) != "", "host must not be empty")
	check(c.Vehicles >= 1, "vehicles must be at least 1, got %d", c.Vehicles)
	check(c.BasePort >= 1 && c.BasePort+c.Vehicles-1 <= math.MaxUint16,
		"ports %d..%d out of range", c.BasePort, c.BasePort+c.Vehicles-1)
	check(c.IDOffset >= 1 && c.IDOffset+c.Vehicles-1 <= math.MaxUint8,
		"vehicle ids %d..%d must fit a MAVLink system id (1-255)", c.IDOffset, c.IDOffset+c.Vehicles-1)
	check(c.UpdateRateHz > 0 && !math.IsInf(c.UpdateRateHz, 0), "update rate must be positive, got %v", c.UpdateRateHz)
	check(c.WaypointInterval > 0, "waypoint interval must be positive")
	check(c.ConnectTimeout > 0, "connect timeout must be positive")
	if err := c.Fence().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	check(c.MinSeparation > 0 && !math.IsInf(c.MinSeparation, 0),
		"min separation must be positive and finite, got %v", c.MinSeparation)
	check(c.Freshness > 0, "freshness window must be positive")
	check(c.RelaxFactor > 0 && c.RelaxFactor <= 1, "relax factor must be in (0, 1], got %v", c.RelaxFactor)
	check(c.RelaxAfter >= 1, "relax-after must be at least 1, got %d", c.RelaxAfter)
	check(c.MaxAttempts >= 1, "max attempts must be at least 1, got %d", c.MaxAttempts)
	check(c.StartStagger >= 0, "start stagger must not be negative")
	check(c.ShutdownGrace > 0, "shutdown grace must be positive")
	check(c.TracingExporter == ExporterStdout || c.TracingExporter == ExporterOTLP,
		"tracing exporter must be %q or %q, got %q", ExporterStdout, ExporterOTLP, c.TracingExporter)
	check(c.TracingSampleRatio >= 0 && c.TracingSampleRatio <= 1,
		"tracing sample ratio must be in [0, 1], got %v", c.TracingSampleRatio)
	check(strings.TrimSpace(c.ServiceName) != "", "service name must not be empty")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Load builds a validated Config from the environment and command-line
// arguments (without the program name). getenv defaults to os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	fs := NewFlagSet("fleet-commander", &cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.TracingExporter = strings.ToLower(strings.TrimSpace(cfg.TracingExporter))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewFlagSet binds every option to a flag whose default is the current
// value in cfg.
func NewFlagSet(name string, cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "host the vehicle MAVLink endpoints bind to")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "MAVLink UDP port of the first vehicle")
	fs.IntVar(&cfg.Vehicles, "vehicles", cfg.Vehicles, "number of vehicles to command")
	fs.IntVar(&cfg.IDOffset, "id-offset", cfg.IDOffset, "vehicle id of the first vehicle")
	fs.Float64Var(&cfg.UpdateRateHz, "update-rate", cfg.UpdateRateHz, "setpoint rate in Hz")
	fs.DurationVar(&cfg.WaypointInterval, "waypoint-interval", cfg.WaypointInterval, "time between new waypoints")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "wait for the first autopilot heartbeat")
	fs.Float64Var(&cfg.Radius, "radius", cfg.Radius, "horizontal geofence half-width in metres")
	fs.Float64Var(&cfg.AltMin, "alt-min", cfg.AltMin, "minimum altitude in metres")
	fs.Float64Var(&cfg.AltMax, "alt-max", cfg.AltMax, "maximum altitude in metres")
	fs.Float64Var(&cfg.MinSeparation, "min-separation", cfg.MinSeparation, "minimum distance between waypoints and other vehicles in metres")
	fs.DurationVar(&cfg.Freshness, "freshness", cfg.Freshness, "age after which a tracked position is ignored")
	fs.Float64Var(&cfg.RelaxFactor, "relax-factor", cfg.RelaxFactor, "separation multiplier for late sampling attempts")
	fs.IntVar(&cfg.RelaxAfter, "relax-after", cfg.RelaxAfter, "sampling attempts before relaxing separation")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "sampling attempts before the push-away fallback")
	fs.DurationVar(&cfg.StartStagger, "start-stagger", cfg.StartStagger, "delay between vehicle starts")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "bounded wait per vehicle on shutdown")
	fs.BoolVar(&cfg.StrictSystemID, "strict-sysid", cfg.StrictSystemID, "only accept heartbeats whose system id equals the vehicle id")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for Prometheus /metrics (empty disables)")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "gRPC health address (empty disables)")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "export OpenTelemetry spans")
	fs.StringVar(&cfg.TracingExporter, "tracing-exporter", cfg.TracingExporter, "span exporter: stdout or otlp")
	fs.StringVar(&cfg.TracingEndpoint, "otlp-endpoint", cfg.TracingEndpoint, "OTLP gRPC collector address (default localhost:4317)")
	fs.Float64Var(&cfg.TracingSampleRatio, "tracing-sample-ratio", cfg.TracingSampleRatio, "fraction of root traces sampled")
	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "service.name reported to trace backends")
	return fs
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(getenv, key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(getenv, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(getenv, key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(getenv, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(getenv, key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FLEET_HOST", &cfg.Host)
	integer("FLEET_BASE_PORT", &cfg.BasePort)
	integer("FLEET_VEHICLES", &cfg.Vehicles)
	integer("FLEET_ID_OFFSET", &cfg.IDOffset)
	float("FLEET_UPDATE_RATE", &cfg.UpdateRateHz)
	duration("FLEET_WAYPOINT_INTERVAL", &cfg.WaypointInterval)
	duration("FLEET_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	float("FLEET_RADIUS", &cfg.Radius)
	float("FLEET_ALT_MIN", &cfg.AltMin)
	float("FLEET_ALT_MAX", &cfg.AltMax)
	float("FLEET_MIN_SEPARATION", &cfg.MinSeparation)
	duration("FLEET_FRESHNESS", &cfg.Freshness)
	float("FLEET_RELAX_FACTOR", &cfg.RelaxFactor)
	integer("FLEET_RELAX_AFTER", &cfg.RelaxAfter)
	integer("FLEET_MAX_ATTEMPTS", &cfg.MaxAttempts)
	duration("FLEET_START_STAGGER", &cfg.StartStagger)
	duration("FLEET_SHUTDOWN_GRACE", &cfg.ShutdownGrace)
	boolean("FLEET_STRICT_SYSID", &cfg.StrictSystemID)
	str("FLEET_METRICS_ADDR", &cfg.MetricsAddr)
	str("FLEET_STATUS_ADDR", &cfg.StatusAddr)
	boolean("FLEET_TRACING_ENABLED", &cfg.TracingEnabled)
	str("FLEET_TRACING_EXPORTER", &cfg.TracingExporter)
	str("FLEET_OTLP_ENDPOINT", &cfg.TracingEndpoint)
	float("FLEET_TRACING_SAMPLE_RATIO", &cfg.TracingSampleRatio)
	str("FLEET_SERVICE_NAME", &cfg.ServiceName)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	return v, v != ""
}
