// internal/health/health.go
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"inference-horde/internal/domain"

	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/utils/clock"
)

// ServiceName is the health service name load balancers probe for the broker.
const ServiceName = "horde.Broker"

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModeSource exposes the current operating switches.
type ModeSource interface {
	Current(ctx context.Context) (domain.Settings, error)
}

// Reporter keeps the grpc health status in line with the store and maintenance mode.
type Reporter struct {
	health   *grpchealth.Server
	store    Pinger
	modes    ModeSource
	interval time.Duration
	clock    clock.WithTicker
	logger   *slog.Logger
}

func NewReporter(store Pinger, modes ModeSource, interval time.Duration, clk clock.WithTicker, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		health:   grpchealth.NewServer(),
		store:    store,
		modes:    modes,
		interval: interval,
		clock:    clk,
		logger:   logger.With("component", "health"),
	}
}

// Check evaluates the status once and publishes it.
func (r *Reporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Warn("store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if st, err := r.modes.Current(ctx); err != nil {
		r.logger.Warn("failed to read modes", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if st.Maintenance {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus(ServiceName, status)
	r.health.SetServingStatus("", status)
	return status
}

// Run re-evaluates the status every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	r.Check(ctx)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.health.Shutdown()
			return
		case <-ticker.C():
			r.Check(ctx)
		}
	}
}

// Server is the grpc listener carrying the health service.
type Server struct {
	grpc   *grpc.Server
	addr   string
	logger *slog.Logger
}

func NewServer(addr string, reporter *Reporter, logger *slog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthpb.RegisterHealthServer(srv, reporter.health)
	return &Server{grpc: srv, addr: addr, logger: logger.With("component", "grpc-server")}
}

// Serve blocks until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health server listening", "addr", s.addr)
		errCh <- s.grpc.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
