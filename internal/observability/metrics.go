package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// FleetCollector bundles the fleet's Prometheus metrics: per-vehicle
// commander activity, waypoint generation, inbound MAVLink traffic and the
// status gRPC surface.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	CommanderState     *prometheus.GaugeVec
	SetpointsSent      *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	ArmAttempts        *prometheus.CounterVec
	WaypointsGenerated *prometheus.CounterVec
	WaypointAttempts   prometheus.Histogram
	TrackedVehicles    prometheus.Gauge
	MavlinkMessages    *prometheus.CounterVec
}

// NewFleetCollector registers fleet metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_status_requests_total",
		Help: "Total number of handled status RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "fleet_status_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_status_request_duration_seconds",
		Help:    "Status RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "fleet_status_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_commander_state",
		Help: "Lifecycle state of each commander (0=DISCONNECTED ... 6=STOPPED).",
	}, []string{"vehicle"}), "fleet_commander_state")
	if err != nil {
		return nil, err
	}
	setpoints, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_setpoints_sent_total",
		Help: "Position setpoints written to each vehicle.",
	}, []string{"vehicle"}), "fleet_setpoints_sent_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_send_failures_total",
		Help: "MAVLink writes that failed, labeled by vehicle and message kind.",
	}, []string{"vehicle", "kind"}), "fleet_send_failures_total")
	if err != nil {
		return nil, err
	}
	arms, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_arm_attempts_total",
		Help: "Arm attempts (bursts of arm commands) per vehicle.",
	}, []string{"vehicle"}), "fleet_arm_attempts_total")
	if err != nil {
		return nil, err
	}
	waypoints, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_waypoints_generated_total",
		Help: "Waypoints generated, labeled by vehicle and path (sampled, relaxed, fallback).",
	}, []string{"vehicle", "path"}), "fleet_waypoints_generated_total")
	if err != nil {
		return nil, err
	}
	attempts, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_waypoint_attempts",
		Help:    "Candidates sampled per generated waypoint.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 50},
	}), "fleet_waypoint_attempts")
	if err != nil {
		return nil, err
	}
	tracked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_tracked_vehicles",
		Help: "Vehicles with a fresh position in the tracker.",
	}), "fleet_tracked_vehicles")
	if err != nil {
		return nil, err
	}
	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_mavlink_messages_total",
		Help: "Inbound MAVLink messages, labeled by vehicle and message type.",
	}, []string{"vehicle", "type"}), "fleet_mavlink_messages_total")
	if err != nil {
		return nil, err
	}

	return &FleetCollector{
		gatherer:           gatherer,
		RPCRequests:        requests,
		RPCDurations:       durations,
		CommanderState:     state,
		SetpointsSent:      setpoints,
		SendFailures:       failures,
		ArmAttempts:        arms,
		WaypointsGenerated: waypoints,
		WaypointAttempts:   attempts,
		TrackedVehicles:    tracked,
		MavlinkMessages:    messages,
	}, nil
}

func vehicleLabel(id model.VehicleID) string { return strconv.Itoa(int(id)) }

// SetState records a commander's lifecycle state.
func (c *FleetCollector) SetState(id model.VehicleID, state model.State) {
	if c == nil {
		return
	}
	c.CommanderState.WithLabelValues(vehicleLabel(id)).Set(float64(state))
}

// SetpointSent counts one position setpoint.
func (c *FleetCollector) SetpointSent(id model.VehicleID) {
	if c == nil {
		return
	}
	c.SetpointsSent.WithLabelValues(vehicleLabel(id)).Inc()
}

// SendFailure counts a failed write of the given message kind.
func (c *FleetCollector) SendFailure(id model.VehicleID, kind string) {
	if c == nil {
		return
	}
	c.SendFailures.WithLabelValues(vehicleLabel(id), kind).Inc()
}

// ArmAttempt counts one arm attempt.
func (c *FleetCollector) ArmAttempt(id model.VehicleID) {
	if c == nil {
		return
	}
	c.ArmAttempts.WithLabelValues(vehicleLabel(id)).Inc()
}

// WaypointGenerated records how a waypoint was produced.
func (c *FleetCollector) WaypointGenerated(id model.VehicleID, path string, attempts int) {
	if c == nil {
		return
	}
	c.WaypointsGenerated.WithLabelValues(vehicleLabel(id), path).Inc()
	c.WaypointAttempts.Observe(float64(attempts))
}

// SetTrackedVehicles sets the fresh-position gauge.
func (c *FleetCollector) SetTrackedVehicles(n int) {
	if c == nil {
		return
	}
	c.TrackedVehicles.Set(float64(n))
}

// MessageReceived counts one inbound MAVLink message.
func (c *FleetCollector) MessageReceived(id model.VehicleID, msgType string) {
	if c == nil {
		return
	}
	c.MavlinkMessages.WithLabelValues(vehicleLabel(id), msgType).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *FleetCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FleetCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
