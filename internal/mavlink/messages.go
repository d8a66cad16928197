package mavlink

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// PX4 main mode number for OFFBOARD, sent as param2 of DO_SET_MODE.
const px4MainModeOffboard = 6

// setpointTypeMask tells the autopilot to honour position only.
const setpointTypeMask = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

// Target addresses a single autopilot component.
type Target struct {
	System    uint8
	Component uint8
}

// GCSHeartbeat is the heartbeat a ground station announces itself with.
func GCSHeartbeat() *common.MessageHeartbeat {
	return &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_GCS,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		SystemStatus:   common.MAV_STATE_ACTIVE,
		MavlinkVersion: 3,
	}
}

// OffboardModeCommand requests the PX4 OFFBOARD flight mode.
func OffboardModeCommand(t Target) *common.MessageCommandLong {
	return &common.MessageCommandLong{
		TargetSystem:    t.System,
		TargetComponent: t.Component,
		Command:         common.MAV_CMD_DO_SET_MODE,
		Param1:          float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		Param2:          px4MainModeOffboard,
	}
}

// ArmCommand arms (or disarms) the motors. confirmation increments on
// repeated sends of the same command.
func ArmCommand(t Target, arm bool, confirmation uint8) *common.MessageCommandLong {
	var p1 float32
	if arm {
		p1 = 1
	}
	return &common.MessageCommandLong{
		TargetSystem:    t.System,
		TargetComponent: t.Component,
		Command:         common.MAV_CMD_COMPONENT_ARM_DISARM,
		Confirmation:    confirmation,
		Param1:          p1,
	}
}

// PositionSetpoint builds a local NED position target.
func PositionSetpoint(t Target, pos model.Position, timeBootMs uint32) *common.MessageSetPositionTargetLocalNed {
	return &common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      timeBootMs,
		TargetSystem:    t.System,
		TargetComponent: t.Component,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask:        setpointTypeMask,
		X:               float32(pos.X),
		Y:               float32(pos.Y),
		Z:               float32(pos.Z),
	}
}

// TelemetryStreams are the groups requested one by one after
// MAV_DATA_STREAM_ALL by StreamRateRequests.
var TelemetryStreams = []common.MAV_DATA_STREAM{
	common.MAV_DATA_STREAM_POSITION,
	common.MAV_DATA_STREAM_EXTRA1,
	common.MAV_DATA_STREAM_EXTRA2,
	common.MAV_DATA_STREAM_RAW_SENSORS,
}

// RequestDataStream asks the autopilot to stream every message group at
// rateHz. A zero rate stops the streams.
func RequestDataStream(t Target, rateHz uint16) *common.MessageRequestDataStream {
	return requestStream(t, common.MAV_DATA_STREAM_ALL, rateHz)
}

// StreamRateRequests returns the full rate configuration sequence: the ALL
// group first, then each of TelemetryStreams.
func StreamRateRequests(t Target, rateHz uint16) []*common.MessageRequestDataStream {
	reqs := make([]*common.MessageRequestDataStream, 0, len(TelemetryStreams)+1)
	reqs = append(reqs, RequestDataStream(t, rateHz))
	for _, stream := range TelemetryStreams {
		reqs = append(reqs, requestStream(t, stream, rateHz))
	}
	return reqs
}

func requestStream(t Target, stream common.MAV_DATA_STREAM, rateHz uint16) *common.MessageRequestDataStream {
	var start uint8
	if rateHz > 0 {
		start = 1
	}
	return &common.MessageRequestDataStream{
		TargetSystem:    t.System,
		TargetComponent: t.Component,
		ReqStreamId:     uint8(stream),
		ReqMessageRate:  rateHz,
		StartStop:       start,
	}
}
