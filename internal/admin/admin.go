// ============================================================================
// Admin Endpoint
// Responsibility: gRPC liveness/health surface for probes and orchestration
// ============================================================================

package admin

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the standard gRPC health service for the caster process.
type Server struct {
	log    *slog.Logger
	port   int
	grpc   *grpc.Server
	health *health.Server
}

// New creates an admin server on the given port.
func New(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:    logger.With("component", "admin"),
		port:   port,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing flips the reported health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve blocks serving gRPC until Shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.log.Info("admin endpoint up", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Shutdown stops the admin server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
