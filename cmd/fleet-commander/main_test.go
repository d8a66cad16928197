package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/uav-fleet-commander/internal/config"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
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

func TestFleetCommanderStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := config.Default()
	cfg.Vehicles = 1
	cfg.BasePort = freeUDPPort(t)
	cfg.ConnectTimeout = 5 * time.Second
	cfg.MetricsAddr = ""
	cfg.StatusAddr = lis.Addr().String()

	log := logging.New(logging.Config{Level: "warn", Format: "text"})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis, prometheus.NewRegistry())
	}()

	conn, err := grpc.NewClient(cfg.StatusAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	// The fleet registers its services before the server starts, so the
	// first successful call already sees them.
	var resp *healthpb.HealthCheckResponse
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "vehicle-" + strconv.Itoa(cfg.IDOffset)})
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("vehicle health = %s before any autopilot connected", resp.GetStatus())
	}

	overall, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("overall health Check: %v", err)
	}
	if overall.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall health = %s", overall.GetStatus())
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
