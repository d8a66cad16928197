package mavlink

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/signalsfoundry/uav-fleet-commander/model"
)

func TestArmCommand(t *testing.T) {
	cmd := ArmCommand(Target{System: 2, Component: 1}, true, 4)
	if cmd.Command != common.MAV_CMD_COMPONENT_ARM_DISARM {
		t.Fatalf("command = %v", cmd.Command)
	}
	if cmd.Param1 != 1 || cmd.Confirmation != 4 {
		t.Fatalf("param1=%v confirmation=%v", cmd.Param1, cmd.Confirmation)
	}
	if cmd.TargetSystem != 2 || cmd.TargetComponent != 1 {
		t.Fatalf("target = %d/%d", cmd.TargetSystem, cmd.TargetComponent)
	}
	if ArmCommand(Target{System: 2}, false, 0).Param1 != 0 {
		t.Fatalf("disarm should send param1=0")
	}
}

func TestOffboardModeCommand(t *testing.T) {
	cmd := OffboardModeCommand(Target{System: 3, Component: 1})
	if cmd.Command != common.MAV_CMD_DO_SET_MODE {
		t.Fatalf("command = %v", cmd.Command)
	}
	if cmd.Param1 != 1 || cmd.Param2 != 6 {
		t.Fatalf("params = %v, %v", cmd.Param1, cmd.Param2)
	}
}

func TestPositionSetpointIgnoresEverythingButPosition(t *testing.T) {
	sp := PositionSetpoint(Target{System: 1, Component: 1}, model.Position{X: 1.5, Y: -2, Z: -20}, 1234)
	if sp.CoordinateFrame != common.MAV_FRAME_LOCAL_NED {
		t.Fatalf("frame = %v", sp.CoordinateFrame)
	}
	if uint16(sp.TypeMask) != 0b0000110111111000 {
		t.Fatalf("type mask = %#b", uint16(sp.TypeMask))
	}
	if sp.X != 1.5 || sp.Y != -2 || sp.Z != -20 || sp.TimeBootMs != 1234 {
		t.Fatalf("unexpected setpoint %+v", sp)
	}
}

func TestRequestDataStream(t *testing.T) {
	req := RequestDataStream(Target{System: 1, Component: 1}, 10)
	if req.StartStop != 1 || req.ReqMessageRate != 10 {
		t.Fatalf("unexpected request %+v", req)
	}
	if RequestDataStream(Target{System: 1}, 0).StartStop != 0 {
		t.Fatalf("zero rate should stop streams")
	}
}

func TestStreamRateRequestsOrder(t *testing.T) {
	reqs := StreamRateRequests(Target{System: 2, Component: 1}, 30)
	want := []common.MAV_DATA_STREAM{
		common.MAV_DATA_STREAM_ALL,
		common.MAV_DATA_STREAM_POSITION,
		common.MAV_DATA_STREAM_EXTRA1,
		common.MAV_DATA_STREAM_EXTRA2,
		common.MAV_DATA_STREAM_RAW_SENSORS,
	}
	if len(reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(want))
	}
	for i, req := range reqs {
		if req.ReqStreamId != uint8(want[i]) {
			t.Fatalf("request %d stream = %d, want %d", i, req.ReqStreamId, want[i])
		}
		if req.TargetSystem != 2 || req.ReqMessageRate != 30 || req.StartStop != 1 {
			t.Fatalf("request %d = %+v", i, req)
		}
	}
}

func TestHeartbeatFilter(t *testing.T) {
	quad := common.MAV_TYPE_QUADROTOR
	cases := []struct {
		name   string
		filter HeartbeatFilter
		hb     Heartbeat
		want   bool
	}{
		{"any vehicle", HeartbeatFilter{}, Heartbeat{SystemID: 4, Type: quad}, true},
		{"system zero", HeartbeatFilter{}, Heartbeat{SystemID: 0, Type: quad}, false},
		{"ground station", HeartbeatFilter{}, Heartbeat{SystemID: 255, Type: common.MAV_TYPE_GCS}, false},
		{"expected match", HeartbeatFilter{ExpectedSystemID: 2}, Heartbeat{SystemID: 2, Type: quad}, true},
		{"expected mismatch", HeartbeatFilter{ExpectedSystemID: 2}, Heartbeat{SystemID: 3, Type: quad}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Accept(tc.hb); got != tc.want {
				t.Fatalf("Accept = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeHeartbeatArmedFlag(t *testing.T) {
	hb := decodeHeartbeat(1, 1, &common.MessageHeartbeat{
		Type:     common.MAV_TYPE_QUADROTOR,
		BaseMode: common.MAV_MODE_FLAG_SAFETY_ARMED | common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED,
	})
	if !hb.Armed {
		t.Fatalf("expected armed")
	}
	if decodeHeartbeat(1, 1, &common.MessageHeartbeat{BaseMode: common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED}).Armed {
		t.Fatalf("expected disarmed")
	}
}

func TestMessageName(t *testing.T) {
	if got := MessageName(&common.MessageHeartbeat{}); got != "Heartbeat" {
		t.Fatalf("MessageName = %q", got)
	}
	if got := MessageName(&common.MessageSetPositionTargetLocalNed{}); got != "SetPositionTargetLocalNed" {
		t.Fatalf("MessageName = %q", got)
	}
	if got := MessageName(nil); got != "unknown" {
		t.Fatalf("MessageName(nil) = %q", got)
	}
}

func TestCensusOrdering(t *testing.T) {
	c := newCensus()
	c.record(2, "Heartbeat")
	c.record(1, "Attitude")
	c.record(1, "Heartbeat")
	c.record(1, "Heartbeat")
	c.recordFiltered()

	got := c.Entries()
	want := []CensusEntry{
		{SystemID: 1, Type: "Attitude", Count: 1},
		{SystemID: 1, Type: "Heartbeat", Count: 2},
		{SystemID: 2, Type: "Heartbeat", Count: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if c.Filtered() != 1 {
		t.Fatalf("filtered = %d", c.Filtered())
	}
}
