// Package commander drives one PX4 vehicle through connect, offboard,
// pre-arm streaming, arming and the waypoint control loop.
package commander

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/uav-fleet-commander/core"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
	"github.com/signalsfoundry/uav-fleet-commander/internal/mavlink"
	"github.com/signalsfoundry/uav-fleet-commander/kb"
	"github.com/signalsfoundry/uav-fleet-commander/model"
	"github.com/signalsfoundry/uav-fleet-commander/timectrl"
)

const tracerName = "github.com/signalsfoundry/uav-fleet-commander/internal/commander"

// Link is the commander's view of a vehicle's MAVLink endpoint.
type Link interface {
	Send(msg message.Message) error
	Heartbeats() <-chan mavlink.Heartbeat
	Close() error
}

// Dialer opens the link for a vehicle listening on addr.
type Dialer func(ctx context.Context, id model.VehicleID, addr string) (Link, error)

// Observer is told about every state transition.
type Observer interface {
	StateChanged(id model.VehicleID, from, to model.State)
}

// Metrics receives commander counters. observability.FleetCollector
// implements it.
type Metrics interface {
	SetState(id model.VehicleID, state model.State)
	SetpointSent(id model.VehicleID)
	SendFailure(id model.VehicleID, kind string)
	ArmAttempt(id model.VehicleID)
	WaypointGenerated(id model.VehicleID, path string, attempts int)
}

type noopMetrics struct{}

func (noopMetrics) SetState(model.VehicleID, model.State)          {}
func (noopMetrics) SetpointSent(model.VehicleID)                   {}
func (noopMetrics) SendFailure(model.VehicleID, string)            {}
func (noopMetrics) ArmAttempt(model.VehicleID)                     {}
func (noopMetrics) WaypointGenerated(model.VehicleID, string, int) {}

// Option customises a Commander.
type Option func(*Commander)

// WithClock replaces the wall clock.
func WithClock(clock timectrl.Clock) Option {
	return func(c *Commander) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger; the vehicle id is added to every line.
func WithLogger(log logging.Logger) Option {
	return func(c *Commander) {
		if log != nil {
			c.log = log
		}
	}
}

// WithObserver registers a state observer.
func WithObserver(obs Observer) Option {
	return func(c *Commander) { c.observer = obs }
}

// WithMetrics records counters into m.
func WithMetrics(m Metrics) Option {
	return func(c *Commander) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSampler sets the random source for waypoint sampling.
func WithSampler(s core.Sampler) Option {
	return func(c *Commander) {
		if s != nil {
			c.sampler = s
		}
	}
}

// WithInitialTarget overrides the starting target (the fence centre).
func WithInitialTarget(pos model.Position) Option {
	return func(c *Commander) { c.target = pos }
}

// Commander owns one vehicle. Run may be called once; Stop and Wait are safe
// from any goroutine.
type Commander struct {
	cfg     Config
	id      model.VehicleID
	addr    string
	tracker *kb.PositionTracker
	dial    Dialer

	clock    timectrl.Clock
	log      logging.Logger
	observer Observer
	metrics  Metrics
	sampler  core.Sampler
	tracer   trace.Tracer
	gen      *core.WaypointGenerator

	running  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	hbWG     sync.WaitGroup

	// set once by Connect, read-only afterwards
	link    Link
	vehicle mavlink.Target
	boot    time.Time

	mu     sync.Mutex
	state  model.State
	target model.Position
}

// New builds a commander for vehicle id listening on addr.
func New(cfg Config, id model.VehicleID, addr string, tracker *kb.PositionTracker, dial Dialer, opts ...Option) (*Commander, error) {
	if id <= 0 || id > math.MaxUint8 {
		return nil, fmt.Errorf("vehicle id must be a MAVLink system id (1-255), got %d", id)
	}
	if tracker == nil {
		return nil, errors.New("tracker is nil")
	}
	if dial == nil {
		return nil, errors.New("dialer is nil")
	}
	cfg.ApplyDefaults()
	if err := cfg.Fence.Validate(); err != nil {
		return nil, fmt.Errorf("vehicle %d: %w", id, err)
	}
	if math.IsInf(cfg.MinSeparation, 0) {
		return nil, fmt.Errorf("vehicle %d: min separation must be finite", id)
	}

	c := &Commander{
		cfg:     cfg,
		id:      id,
		addr:    addr,
		tracker: tracker,
		dial:    dial,
		clock:   timectrl.Wall{},
		log:     logging.Noop(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   model.StateDisconnected,
		target:  cfg.Fence.Center(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sampler == nil {
		c.sampler = core.NewRand(time.Now().UnixNano() + int64(id))
	}
	c.log = c.log.With(logging.Int("vehicle_id", int(id)), logging.String("address", addr))

	gen := core.NewWaypointGenerator(cfg.Fence, cfg.MinSeparation, c.sampler)
	gen.MaxAttempts = cfg.MaxAttempts
	gen.RelaxAfter = cfg.RelaxAfter
	gen.RelaxFactor = cfg.RelaxFactor
	c.gen = gen

	c.running.Store(true)
	return c, nil
}

// ID returns the vehicle id.
func (c *Commander) ID() model.VehicleID { return c.id }

// Address returns the endpoint address.
func (c *Commander) Address() string { return c.addr }

// State returns the current lifecycle state.
func (c *Commander) State() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the position currently being commanded.
func (c *Commander) Target() model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Running reports whether Stop has not been called yet.
func (c *Commander) Running() bool { return c.running.Load() }

// Done is closed once Run has returned.
func (c *Commander) Done() <-chan struct{} { return c.done }

// Stop clears the running flag and wakes any sleeping step. Sends already in
// flight complete normally.
func (c *Commander) Stop() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		close(c.stopCh)
	})
}

// Wait blocks until Run returns or timeout elapses, reporting whether Run
// finished.
func (c *Commander) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

// Run executes the full lifecycle and returns when the commander stops.
// Local failures come back wrapped around ErrConnectTimeout or ErrArmFailed;
// a cooperative stop returns nil. Cancelling ctx is equivalent to Stop.
func (c *Commander) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	stopOnCancel := context.AfterFunc(ctx, c.Stop)
	defer stopOnCancel()

	err := c.run(ctx)
	if errors.Is(err, ErrStopped) {
		err = nil
	}

	c.Stop()
	c.hbWG.Wait()
	if c.link != nil {
		if cerr := c.link.Close(); cerr != nil {
			c.log.Debug(ctx, "closing link", logging.Err(cerr))
		}
	}
	c.setState(ctx, model.StateStopped)
	if err != nil {
		c.log.Error(ctx, "commander failed", logging.Err(err))
	}
	close(c.done)
	return err
}

func (c *Commander) run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.hbWG.Add(1)
	go c.heartbeatLoop(ctx)

	if !c.running.Load() {
		return nil
	}
	c.RequestOffboard(ctx)
	if !c.running.Load() {
		return nil
	}
	c.StreamPreArm(ctx)
	if !c.running.Load() {
		return nil
	}
	if !c.Arm(ctx) {
		if !c.running.Load() {
			return nil
		}
		return fmt.Errorf("vehicle %d: %w after %d attempts", c.id, ErrArmFailed, c.cfg.ArmAttempts)
	}
	c.setState(ctx, model.StateFlying)
	c.controlLoop(ctx)
	return nil
}

// Connect opens the link and waits for the first accepted vehicle
// heartbeat, which also fixes the command target ids.
func (c *Commander) Connect(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "commander.connect")
	defer func() { endSpan(span, err) }()

	if !c.running.Load() {
		return ErrStopped
	}
	link, err := c.dial(ctx, c.id, c.addr)
	if err != nil {
		return fmt.Errorf("vehicle %d: dial %s: %w", c.id, c.addr, err)
	}
	c.link = link
	c.log.Info(ctx, "waiting for heartbeat", logging.Duration("timeout", c.cfg.ConnectTimeout))

	timeout := c.clock.After(c.cfg.ConnectTimeout)
	for {
		select {
		case hb, ok := <-link.Heartbeats():
			if !ok {
				return fmt.Errorf("vehicle %d: link closed: %w", c.id, ErrConnectTimeout)
			}
			if !c.accept(hb) {
				continue
			}
			c.vehicle = hb.Target()
			c.boot = c.clock.Now()
			c.log.Info(ctx, "heartbeat received",
				logging.Int("system_id", int(hb.SystemID)),
				logging.Int("component_id", int(hb.ComponentID)),
				logging.Any("autopilot", hb.Autopilot),
			)
			c.setState(ctx, model.StateConnected)
			return nil
		case <-timeout:
			return fmt.Errorf("vehicle %d: %w within %s", c.id, ErrConnectTimeout, c.cfg.ConnectTimeout)
		case <-c.stopCh:
			return ErrStopped
		}
	}
}

func (c *Commander) accept(hb mavlink.Heartbeat) bool {
	f := mavlink.HeartbeatFilter{}
	if c.cfg.StrictSystemID {
		f.ExpectedSystemID = uint8(c.id)
	}
	return f.Accept(hb)
}

func (c *Commander) heartbeatLoop(ctx context.Context) {
	defer c.hbWG.Done()
	for c.running.Load() {
		_ = c.send(ctx, "heartbeat", mavlink.GCSHeartbeat())
		if !c.sleep(c.cfg.HeartbeatInterval) {
			return
		}
	}
}

// RequestOffboard sends the OFFBOARD mode command OffboardCommands times and
// then settles. The autopilot's acknowledgement is not checked.
func (c *Commander) RequestOffboard(ctx context.Context) {
	ctx, span := c.startSpan(ctx, "commander.request_offboard")
	defer span.End()

	c.setState(ctx, model.StateOffboardRequested)
	for i := 0; i < c.cfg.OffboardCommands; i++ {
		_ = c.send(ctx, "offboard", mavlink.OffboardModeCommand(c.vehicle))
		if i < c.cfg.OffboardCommands-1 && !c.sleep(c.cfg.OffboardSpacing) {
			return
		}
	}
	c.sleep(c.cfg.OffboardSettle)
}

// StreamPreArm sends PreArmSetpoints position targets at the pre-arm rate.
// PX4 rejects arming in offboard mode without a live setpoint stream.
func (c *Commander) StreamPreArm(ctx context.Context) {
	ctx, span := c.startSpan(ctx, "commander.stream_pre_arm")
	defer span.End()

	c.setState(ctx, model.StateStreaming)
	pacer := timectrl.NewPacer(c.clock, c.cfg.PreArmInterval)
	for i := 0; i < c.cfg.PreArmSetpoints && c.running.Load(); i++ {
		pacer.Begin()
		c.sendSetpoint(ctx, c.Target())
		if !pacer.Wait(c.stopCh) {
			return
		}
	}
}

// Arm sends bursts of arm commands and waits for a heartbeat carrying the
// armed bit. It reports false once every attempt has failed or the
// commander is stopped.
func (c *Commander) Arm(ctx context.Context) (armed bool) {
	ctx, span := c.startSpan(ctx, "commander.arm")
	defer func() {
		span.SetAttributes(attribute.Bool("armed", armed))
		span.End()
	}()

	for attempt := 1; attempt <= c.cfg.ArmAttempts; attempt++ {
		if !c.running.Load() {
			return false
		}
		c.metrics.ArmAttempt(c.id)
		for i := 0; i < c.cfg.ArmCommandsPerAttempt; i++ {
			_ = c.send(ctx, "arm", mavlink.ArmCommand(c.vehicle, true, uint8(i)))
			if i < c.cfg.ArmCommandsPerAttempt-1 && !c.sleep(c.cfg.ArmCommandSpacing) {
				return false
			}
		}
		if c.awaitArmed() {
			c.log.Info(ctx, "vehicle armed", logging.Int("attempt", attempt))
			c.setState(ctx, model.StateArmed)
			return true
		}
		c.log.Warn(ctx, "arm attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", c.cfg.ArmAttempts),
		)
	}
	return false
}

func (c *Commander) awaitArmed() bool {
	if c.link == nil {
		return false
	}
	deadline := c.clock.After(c.cfg.ArmPollTimeout)
	for {
		select {
		case hb, ok := <-c.link.Heartbeats():
			if !ok {
				return false
			}
			if c.accept(hb) && hb.Armed {
				return true
			}
		case <-deadline:
			return false
		case <-c.stopCh:
			return false
		}
	}
}

func (c *Commander) controlLoop(ctx context.Context) {
	pacer := timectrl.NewPacer(c.clock, c.cfg.UpdateInterval)
	var lastWaypoint time.Time
	first := true
	for c.running.Load() {
		pacer.Begin()
		now := c.clock.Now()
		if first || now.Sub(lastWaypoint) >= c.cfg.WaypointInterval {
			c.UpdateWaypoint(ctx)
			lastWaypoint = now
			first = false
		}
		target := c.Target()
		c.sendSetpoint(ctx, target)
		c.tracker.Update(c.id, target)
		if !pacer.Wait(c.stopCh) {
			return
		}
	}
}

// UpdateWaypoint picks a new target clear of the other fresh vehicles and
// makes it current.
func (c *Commander) UpdateWaypoint(ctx context.Context) core.WaypointResult {
	res := c.gen.Generate(c.Target(), func() map[model.VehicleID]model.Position {
		return c.tracker.SnapshotExcluding(c.id)
	})
	c.mu.Lock()
	c.target = res.Position
	c.mu.Unlock()

	path := "sampled"
	switch {
	case res.Fallback:
		path = "fallback"
	case res.Relaxed:
		path = "relaxed"
	}
	c.metrics.WaypointGenerated(c.id, path, res.Attempts)
	c.log.Info(ctx, "new waypoint",
		logging.String("target", res.Position.String()),
		logging.String("path", path),
		logging.Int("attempts", res.Attempts),
		logging.Float("min_distance", res.MinDistance),
	)
	return res
}

func (c *Commander) sendSetpoint(ctx context.Context, pos model.Position) {
	bootMs := uint32(c.clock.Now().Sub(c.boot).Milliseconds())
	if err := c.send(ctx, "setpoint", mavlink.PositionSetpoint(c.vehicle, pos, bootMs)); err == nil {
		c.metrics.SetpointSent(c.id)
	}
}

func (c *Commander) send(ctx context.Context, kind string, msg message.Message) error {
	if c.link == nil {
		return fmt.Errorf("%w: %s: not connected", ErrSendFailure, kind)
	}
	if err := c.link.Send(msg); err != nil {
		c.metrics.SendFailure(c.id, kind)
		c.log.Debug(ctx, "send failed", logging.String("kind", kind), logging.Err(err))
		return fmt.Errorf("%w: %s: %w", ErrSendFailure, kind, err)
	}
	return nil
}

// sleep waits d or until Stop, reporting whether the commander should go on.
func (c *Commander) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.running.Load()
	}
	select {
	case <-c.clock.After(d):
		return c.running.Load()
	case <-c.stopCh:
		return false
	}
}

func (c *Commander) setState(ctx context.Context, to model.State) {
	c.mu.Lock()
	from := c.state
	if from == to || from.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.metrics.SetState(c.id, to)
	c.log.Info(ctx, "state transition",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
	if c.observer != nil {
		c.observer.StateChanged(c.id, from, to)
	}
}

func (c *Commander) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("vehicle.id", int(c.id)),
		attribute.String("vehicle.address", c.addr),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
