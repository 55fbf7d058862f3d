// ABOUTME: gRPC health service reporting which phase the agent is in.
// ABOUTME: Serves grpc.health.v1 and provides the client used by the health subcommand.

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name the agent registers besides "".
const ServiceName = "jobagent"

// Phase is the agent lifecycle stage.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseConnecting Phase = "connecting"
	PhaseDraining   Phase = "draining"
	PhaseRunning    Phase = "running"
	PhaseStopped    Phase = "stopped"
)

// Server publishes the agent phase over gRPC health checks.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu    sync.Mutex
	phase Phase
}

// NewServer creates a Server in PhaseStarting.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	s := &Server{
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger.With("component", "health"),
	}
	s.SetPhase(PhaseStarting)
	return s
}

// SetPhase records p. Only PhaseRunning reports SERVING.
func (s *Server) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if p == PhaseRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)

	s.logger.Debug("agent phase changed", "phase", p, "status", status)
}

// Phase returns the current phase.
func (s *Server) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", "addr", lis.Addr().String())
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	}
}

// Check queries the health service at addr.
func Check(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}
