package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// QueueService is the service name reported by the gRPC health endpoint.
const QueueService = "retryq.Queue"

// GRPCServer mirrors the monitor status on the standard gRPC health service.
type GRPCServer struct {
	monitor  *Monitor
	port     int
	interval time.Duration
	srv      *grpc.Server
	hs       *grpchealth.Server
	log      *slog.Logger
}

// NewGRPCServer creates a gRPC server exposing grpc.health.v1.Health.
func NewGRPCServer(monitor *Monitor, port int, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}

	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		monitor:  monitor,
		port:     port,
		interval: 5 * time.Second,
		srv:      srv,
		hs:       hs,
		log:      logger.With("component", "grpc"),
	}
}

// HealthServer returns the underlying health service.
func (g *GRPCServer) HealthServer() healthpb.HealthServer {
	return g.hs
}

// Refresh updates the serving status from the monitor.
func (g *GRPCServer) Refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if g.monitor.Status() == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.hs.SetServingStatus("", status)
	g.hs.SetServingStatus(QueueService, status)
}

// Start listens and serves until Stop. It refreshes the status periodically.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", g.port, err)
	}

	g.Refresh()
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Refresh()
			}
		}
	}()

	g.log.Info("gRPC health listening", "addr", lis.Addr().String())
	return g.srv.Serve(lis)
}

// Stop marks the service as not serving and stops the server gracefully.
func (g *GRPCServer) Stop() {
	g.hs.Shutdown()
	g.srv.GracefulStop()
}
