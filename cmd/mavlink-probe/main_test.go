package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

// streamLog records the REQUEST_DATA_STREAM ids an autopilot receives.
type streamLog struct {
	mu  sync.Mutex
	ids []uint8
}

func (l *streamLog) add(id uint8) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

func (l *streamLog) snapshot() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint8(nil), l.ids...)
}

func startAutopilot(t *testing.T, addr string, sysID uint8) *streamLog {
	t.Helper()
	streams := &streamLog{}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:        []gomavlib.EndpointConf{gomavlib.EndpointUDPClient{Address: addr}},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      sysID,
		OutComponentID:   1,
		HeartbeatDisable: true,
	})
	if err != nil {
		t.Fatalf("start autopilot: %v", err)
	}
	stop := make(chan struct{})
	go func() {
		for evt := range node.Events() {
			if fr, ok := evt.(*gomavlib.EventFrame); ok {
				if req, ok := fr.Message().(*common.MessageRequestDataStream); ok {
					streams.add(req.ReqStreamId)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = node.WriteMessageAll(&common.MessageHeartbeat{
					Type:           common.MAV_TYPE_QUADROTOR,
					Autopilot:      common.MAV_AUTOPILOT_PX4,
					MavlinkVersion: 3,
				})
				_ = node.WriteMessageAll(&common.MessageSysStatus{})
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		node.Close()
	})
	return streams
}

func TestProbeReportsCensus(t *testing.T) {
	port := freeUDPPort(t)
	opts := Options{
		Host:       "127.0.0.1",
		BasePort:   port,
		Vehicles:   1,
		IDOffset:   1,
		Timeout:    5 * time.Second,
		Listen:     200 * time.Millisecond,
		StreamRate: 4,
	}

	errCh := make(chan error, 1)
	var out bytes.Buffer
	go func() { errCh <- run(context.Background(), opts, &out, nil) }()

	// The probe binds its server socket first; give it a moment before the
	// autopilot starts sending.
	time.Sleep(50 * time.Millisecond)
	streams := startAutopilot(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 1)

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	for _, want := range []string{"OK", "Heartbeat", "SysStatus", "sysid 1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report missing %q:\n%s", want, out.String())
		}
	}

	want := []uint8{
		uint8(common.MAV_DATA_STREAM_ALL),
		uint8(common.MAV_DATA_STREAM_POSITION),
		uint8(common.MAV_DATA_STREAM_EXTRA1),
		uint8(common.MAV_DATA_STREAM_EXTRA2),
		uint8(common.MAV_DATA_STREAM_RAW_SENSORS),
	}
	deadline := time.Now().Add(time.Second)
	got := streams.snapshot()
	for len(got) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		got = streams.snapshot()
	}
	if len(got) != len(want) {
		t.Fatalf("autopilot saw stream requests %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("autopilot saw stream requests %v, want %v", got, want)
		}
	}
}

func TestProbeFailsWithoutHeartbeat(t *testing.T) {
	opts := Options{
		Host:     "127.0.0.1",
		BasePort: freeUDPPort(t),
		Vehicles: 1,
		IDOffset: 1,
		Timeout:  50 * time.Millisecond,
		Listen:   10 * time.Millisecond,
	}
	var out bytes.Buffer
	err := run(context.Background(), opts, &out, nil)
	if !errors.Is(err, errProbeFailed) {
		t.Fatalf("run error = %v, want errProbeFailed", err)
	}
	if !strings.Contains(out.String(), "FAIL") {
		t.Fatalf("report missing FAIL:\n%s", out.String())
	}
}

func TestRunRejectsZeroVehicles(t *testing.T) {
	if err := run(context.Background(), Options{}, &bytes.Buffer{}, nil); err == nil {
		t.Fatalf("expected error for zero vehicles")
	}
}
