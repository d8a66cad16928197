package commander

import (
	"time"

	"github.com/signalsfoundry/uav-fleet-commander/core"
	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// Config holds the timing and geometry knobs of one commander.
type Config struct {
	// ConnectTimeout bounds the wait for the first autopilot heartbeat.
	// Default: 10 seconds
	ConnectTimeout time.Duration

	// HeartbeatInterval is the ground-station heartbeat period.
	// Default: 1 second
	HeartbeatInterval time.Duration

	// OffboardCommands mode-change commands are sent OffboardSpacing apart,
	// then the commander waits OffboardSettle.
	// Default: 3, 300ms, 1s
	OffboardCommands int
	OffboardSpacing  time.Duration
	OffboardSettle   time.Duration

	// PreArmSetpoints are streamed every PreArmInterval before arming.
	// Default: 30 at 50ms (20 Hz)
	PreArmSetpoints int
	PreArmInterval  time.Duration

	// Arming makes ArmAttempts attempts. Each sends ArmCommandsPerAttempt
	// commands ArmCommandSpacing apart and then watches heartbeats for the
	// armed bit for up to ArmPollTimeout.
	// Default: 3 attempts, 3 commands, 200ms, 5s
	ArmAttempts           int
	ArmCommandsPerAttempt int
	ArmCommandSpacing     time.Duration
	ArmPollTimeout        time.Duration

	// UpdateInterval is the control loop period.
	// Default: 500ms (2 Hz)
	UpdateInterval time.Duration

	// WaypointInterval is how often a new target is generated.
	// Default: 5 seconds
	WaypointInterval time.Duration

	Fence         model.Geofence
	MinSeparation float64
	MaxAttempts   int
	RelaxAfter    int
	RelaxFactor   float64

	// StrictSystemID only accepts heartbeats whose system id equals the
	// vehicle id.
	StrictSystemID bool
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:        10 * time.Second,
		HeartbeatInterval:     time.Second,
		OffboardCommands:      3,
		OffboardSpacing:       300 * time.Millisecond,
		OffboardSettle:        time.Second,
		PreArmSetpoints:       30,
		PreArmInterval:        50 * time.Millisecond,
		ArmAttempts:           3,
		ArmCommandsPerAttempt: 3,
		ArmCommandSpacing:     200 * time.Millisecond,
		ArmPollTimeout:        5 * time.Second,
		UpdateInterval:        500 * time.Millisecond,
		WaypointInterval:      5 * time.Second,
		Fence:                 model.DefaultGeofence,
		MinSeparation:         core.DefaultMinSeparation,
		MaxAttempts:           core.DefaultMaxAttempts,
		RelaxAfter:            core.DefaultRelaxAfter,
		RelaxFactor:           core.DefaultRelaxFactor,
	}
}

// ApplyDefaults fills every zero or negative field from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.OffboardCommands <= 0 {
		c.OffboardCommands = d.OffboardCommands
	}
	if c.OffboardSpacing <= 0 {
		c.OffboardSpacing = d.OffboardSpacing
	}
	if c.OffboardSettle <= 0 {
		c.OffboardSettle = d.OffboardSettle
	}
	if c.PreArmSetpoints <= 0 {
		c.PreArmSetpoints = d.PreArmSetpoints
	}
	if c.PreArmInterval <= 0 {
		c.PreArmInterval = d.PreArmInterval
	}
	if c.ArmAttempts <= 0 {
		c.ArmAttempts = d.ArmAttempts
	}
	if c.ArmCommandsPerAttempt <= 0 {
		c.ArmCommandsPerAttempt = d.ArmCommandsPerAttempt
	}
	if c.ArmCommandSpacing <= 0 {
		c.ArmCommandSpacing = d.ArmCommandSpacing
	}
	if c.ArmPollTimeout <= 0 {
		c.ArmPollTimeout = d.ArmPollTimeout
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.WaypointInterval <= 0 {
		c.WaypointInterval = d.WaypointInterval
	}
	if c.Fence == (model.Geofence{}) {
		c.Fence = d.Fence
	}
	if !(c.MinSeparation > 0) {
		c.MinSeparation = d.MinSeparation
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RelaxAfter <= 0 {
		c.RelaxAfter = d.RelaxAfter
	}
	if c.RelaxFactor <= 0 || c.RelaxFactor > 1 {
		c.RelaxFactor = d.RelaxFactor
	}
}
