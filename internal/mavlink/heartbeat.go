package mavlink

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// Heartbeat is the decoded subset of an autopilot HEARTBEAT that the
// commander needs: who sent it and whether the vehicle reports armed.
type Heartbeat struct {
	SystemID    uint8
	ComponentID uint8
	Type        common.MAV_TYPE
	Autopilot   common.MAV_AUTOPILOT
	BaseMode    common.MAV_MODE_FLAG
	CustomMode  uint32
	Armed       bool
}

// Target returns the address commands for this vehicle should carry.
func (h Heartbeat) Target() Target {
	return Target{System: h.SystemID, Component: h.ComponentID}
}

func decodeHeartbeat(systemID, componentID uint8, msg *common.MessageHeartbeat) Heartbeat {
	return Heartbeat{
		SystemID:    systemID,
		ComponentID: componentID,
		Type:        msg.Type,
		Autopilot:   msg.Autopilot,
		BaseMode:    msg.BaseMode,
		CustomMode:  msg.CustomMode,
		Armed:       msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0,
	}
}

// HeartbeatFilter decides which heartbeats identify the commanded vehicle.
// System id 0 is never a vehicle and ground stations share the link, so both
// are dropped. A non-zero ExpectedSystemID pins the link to one autopilot.
type HeartbeatFilter struct {
	ExpectedSystemID uint8
}

// Accept reports whether hb comes from the vehicle this link serves.
func (f HeartbeatFilter) Accept(hb Heartbeat) bool {
	if hb.SystemID == 0 || hb.Type == common.MAV_TYPE_GCS {
		return false
	}
	if f.ExpectedSystemID != 0 && hb.SystemID != f.ExpectedSystemID {
		return false
	}
	return true
}
