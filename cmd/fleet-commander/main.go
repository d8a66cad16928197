package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/uav-fleet-commander/internal/config"
	"github.com/signalsfoundry/uav-fleet-commander/internal/fleet"
	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
	"github.com/signalsfoundry/uav-fleet-commander/internal/observability"
)

const stopTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	var lis net.Listener
	if cfg.StatusAddr != "" {
		lis, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for status gRPC", logging.String("addr", cfg.StatusAddr), logging.Err(err))
			os.Exit(1)
		}
	}

	runErr := run(ctx, cfg, log, lis, prometheus.DefaultRegisterer)
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, stopTimeout, log)
	if runErr != nil {
		log.Error(context.Background(), "fleet commander exited with error", logging.Err(runErr))
		os.Exit(1)
	}
}

// run wires metrics, the health server and the fleet, and blocks until the
// fleet has shut down. lis may be nil to skip the status server.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener, reg prometheus.Registerer) error {
	collector, err := observability.NewFleetCollector(reg)
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	f, err := fleet.New(cfg, fleet.MAVLinkDialer(cfg, collector, log), log, fleet.WithMetrics(collector))
	if err != nil {
		return err
	}

	var server *grpc.Server
	if lis != nil {
		server = grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(
				observability.RequestLoggingUnaryServerInterceptor(log),
				collector.UnaryServerInterceptor(),
			),
		)
		healthpb.RegisterHealthServer(server, f.HealthServer())
		log.Info(ctx, "serving fleet health", logging.String("addr", lis.Addr().String()))
		go func() {
			if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error(ctx, "status gRPC server exited", logging.Err(err))
			}
		}()
	}

	runErr := f.Run(ctx)

	if server != nil {
		stopGRPC(server)
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

// stopGRPC drains unary calls but cuts off long-lived health watches.
func stopGRPC(server *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		server.Stop()
	}
}

func serveMetrics(addr string, collector *observability.FleetCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
