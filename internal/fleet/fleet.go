// Package fleet owns the shared position tracker and one commander per
// configured vehicle, and supervises them from start to shutdown.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/uav-fleet-commander/core"
	"github.com/signalsfoundry/uav-fleet-commander/internal/commander"
	"github.com/signalsfoundry/uav-fleet-commander/internal/config"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
	"github.com/signalsfoundry/uav-fleet-commander/internal/mavlink"
	"github.com/signalsfoundry/uav-fleet-commander/internal/observability"
	"github.com/signalsfoundry/uav-fleet-commander/kb"
	"github.com/signalsfoundry/uav-fleet-commander/model"
	"github.com/signalsfoundry/uav-fleet-commander/timectrl"
)

// ErrShutdownTimeout is returned by Run when a commander outlives the grace
// period.
var ErrShutdownTimeout = errors.New("commanders did not stop within grace period")

// Option customises a Fleet.
type Option func(*Fleet)

// WithMetrics records fleet and commander metrics into c.
func WithMetrics(c *observability.FleetCollector) Option {
	return func(f *Fleet) { f.metrics = c }
}

// WithClock replaces the wall clock for the tracker, stagger and commanders.
func WithClock(clock timectrl.Clock) Option {
	return func(f *Fleet) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithSeed makes waypoint sampling reproducible; vehicle i draws from a
// generator seeded with seed+id.
func WithSeed(seed int64) Option {
	return func(f *Fleet) {
		f.seed = seed
		f.seeded = true
	}
}

// WithCommanderConfig supplies the timing base for every commander. Fields
// governed by config.Config are overwritten.
func WithCommanderConfig(base commander.Config) Option {
	return func(f *Fleet) { f.base = base }
}

// VehicleStatus is a point-in-time view of one vehicle.
type VehicleStatus struct {
	ID       model.VehicleID
	Address  string
	State    model.State
	Target   model.Position
	Position model.Position
	// Fresh is set when Position is within the tracker's freshness window.
	Fresh bool
	Err   error
}

// Fleet runs the commanders.
type Fleet struct {
	cfg        config.Config
	base       commander.Config
	log        logging.Logger
	clock      timectrl.Clock
	metrics    *observability.FleetCollector
	seed       int64
	seeded     bool
	tracker    *kb.PositionTracker
	commanders []*commander.Commander
	health     *health.Server

	mu      sync.Mutex
	started []*commander.Commander
	results map[model.VehicleID]error
}

// New validates cfg and builds the tracker and commanders. Nothing touches
// the network until Run.
func New(cfg config.Config, dial commander.Dialer, log logging.Logger, opts ...Option) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, errors.New("dialer is nil")
	}
	if log == nil {
		log = logging.Noop()
	}

	f := &Fleet{
		cfg:     cfg,
		base:    commander.DefaultConfig(),
		log:     log,
		clock:   timectrl.Wall{},
		health:  health.NewServer(),
		results: make(map[model.VehicleID]error),
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.seeded {
		f.seed = time.Now().UnixNano()
	}

	f.tracker = kb.NewPositionTracker(f.clock, cfg.Freshness)
	f.tracker.Subscribe(func(kb.Event) {
		f.metrics.SetTrackedVehicles(f.tracker.FreshCount())
	})

	ccfg := f.commanderConfig()
	for i := 0; i < cfg.Vehicles; i++ {
		id := cfg.VehicleID(i)
		c, err := commander.New(ccfg, id, cfg.VehicleAddr(i), f.tracker, dial,
			commander.WithClock(f.clock),
			commander.WithLogger(log),
			commander.WithObserver(f),
			commander.WithMetrics(f.metrics),
			commander.WithSampler(core.NewRand(f.seed+int64(id))),
		)
		if err != nil {
			return nil, fmt.Errorf("build commander %d: %w", id, err)
		}
		f.commanders = append(f.commanders, c)
		f.health.SetServingStatus(ServiceName(id), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	f.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return f, nil
}

func (f *Fleet) commanderConfig() commander.Config {
	c := f.base
	c.ConnectTimeout = f.cfg.ConnectTimeout
	c.UpdateInterval = f.cfg.UpdateInterval()
	c.WaypointInterval = f.cfg.WaypointInterval
	c.Fence = f.cfg.Fence()
	c.MinSeparation = f.cfg.MinSeparation
	c.MaxAttempts = f.cfg.MaxAttempts
	c.RelaxAfter = f.cfg.RelaxAfter
	c.RelaxFactor = f.cfg.RelaxFactor
	c.StrictSystemID = f.cfg.StrictSystemID
	return c
}

// ServiceName is the health service reporting on vehicle id.
func ServiceName(id model.VehicleID) string {
	return "vehicle-" + strconv.Itoa(int(id))
}

// HealthServer exposes per-vehicle health; a vehicle is SERVING only while
// its commander is FLYING.
func (f *Fleet) HealthServer() *health.Server { return f.health }

// Tracker returns the shared position tracker.
func (f *Fleet) Tracker() *kb.PositionTracker { return f.tracker }

// Commanders returns the commanders in vehicle order.
func (f *Fleet) Commanders() []*commander.Commander {
	return append([]*commander.Commander(nil), f.commanders...)
}

// StateChanged mirrors commander transitions into the health server.
func (f *Fleet) StateChanged(id model.VehicleID, _, to model.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == model.StateFlying {
		status = healthpb.HealthCheckResponse_SERVING
	}
	f.health.SetServingStatus(ServiceName(id), status)
}

// Run starts the commanders StartStagger apart, then waits until ctx is
// cancelled or every commander has finished, and shuts down. Commander
// failures are isolated: they are logged and kept in Status, never returned.
func (f *Fleet) Run(ctx context.Context) error {
	ctx, runLog := logging.WithRunLogger(ctx, f.log)
	runLog.Info(ctx, "starting fleet",
		logging.Int("vehicles", len(f.commanders)),
		logging.Duration("stagger", f.cfg.StartStagger),
	)

	// Commanders outlive ctx by up to the shutdown grace.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group

launch:
	for i, c := range f.commanders {
		if i > 0 && f.cfg.StartStagger > 0 {
			select {
			case <-ctx.Done():
				break launch
			case <-f.clock.After(f.cfg.StartStagger):
			}
		}
		if ctx.Err() != nil {
			break
		}
		f.mu.Lock()
		f.started = append(f.started, c)
		f.mu.Unlock()
		g.Go(func() error {
			err := c.Run(runCtx)
			f.mu.Lock()
			f.results[c.ID()] = err
			f.mu.Unlock()
			return nil
		})
	}

	allDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		runLog.Info(ctx, "interrupt received, stopping commanders")
	case <-allDone:
		runLog.Info(ctx, "all commanders have stopped")
	}

	late := f.Shutdown(runCtx, f.cfg.ShutdownGrace)
	f.health.Shutdown()
	f.logSummary(runCtx, runLog)
	if len(late) > 0 {
		return fmt.Errorf("%w: vehicles %v", ErrShutdownTimeout, late)
	}
	return nil
}

// Shutdown clears every started commander's running flag and waits up to
// grace for each one. It returns the vehicles still running afterwards.
func (f *Fleet) Shutdown(ctx context.Context, grace time.Duration) []model.VehicleID {
	f.mu.Lock()
	started := append([]*commander.Commander(nil), f.started...)
	f.mu.Unlock()

	for _, c := range f.commanders {
		c.Stop()
	}
	var late []model.VehicleID
	for _, c := range started {
		if !c.Wait(grace) {
			late = append(late, c.ID())
			f.log.Warn(ctx, "commander did not stop in time",
				logging.Int("vehicle_id", int(c.ID())),
				logging.Duration("grace", grace),
			)
		}
	}
	return late
}

// Status reports every vehicle in id order.
func (f *Fleet) Status() []VehicleStatus {
	f.mu.Lock()
	results := make(map[model.VehicleID]error, len(f.results))
	for id, err := range f.results {
		results[id] = err
	}
	f.mu.Unlock()

	fresh := f.tracker.SnapshotExcluding(0)
	out := make([]VehicleStatus, 0, len(f.commanders))
	for _, c := range f.commanders {
		st := VehicleStatus{
			ID:      c.ID(),
			Address: c.Address(),
			State:   c.State(),
			Target:  c.Target(),
			Err:     results[c.ID()],
		}
		if tp, ok := f.tracker.Get(c.ID()); ok {
			st.Position = tp.Position
			_, st.Fresh = fresh[c.ID()]
		}
		out = append(out, st)
	}
	return out
}

func (f *Fleet) logSummary(ctx context.Context, log logging.Logger) {
	for _, st := range f.Status() {
		fields := []logging.Field{
			logging.Int("vehicle_id", int(st.ID)),
			logging.String("state", st.State.String()),
			logging.String("target", st.Target.String()),
		}
		if st.Err != nil {
			log.Warn(ctx, "vehicle finished with error", append(fields, logging.Err(st.Err))...)
			continue
		}
		log.Info(ctx, "vehicle finished", fields...)
	}
}

// MAVLinkDialer opens a gomavlib endpoint per vehicle. With strict system
// ids the endpoint itself drops heartbeats from other autopilots.
func MAVLinkDialer(cfg config.Config, metrics *observability.FleetCollector, log logging.Logger) commander.Dialer {
	if log == nil {
		log = logging.Noop()
	}
	return func(ctx context.Context, id model.VehicleID, addr string) (commander.Link, error) {
		ecfg := mavlink.EndpointConfig{
			Address: addr,
			Logger:  log.With(logging.Int("vehicle_id", int(id))),
			OnMessage: func(_ uint8, msgType string) {
				metrics.MessageReceived(id, msgType)
			},
		}
		if cfg.StrictSystemID {
			ecfg.ExpectedSystemID = uint8(id)
		}
		ep, err := mavlink.Dial(ctx, ecfg)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}
