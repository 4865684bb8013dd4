package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/overlord/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Server is the agent-facing listener. Control and session links are both
// streams of the Link method.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	handler    *LinkHandler
	port       int
	listener   net.Listener
}

// NewServer builds the gRPC server. creds may be nil for a plaintext port.
func NewServer(port int, handler *LinkHandler, creds credentials.TransportCredentials) *Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		handler:    handler,
		port:       port,
	}
	protocol.RegisterLinkServer(s.grpcServer, handler)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(protocol.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	slog.Info("Starting gRPC server", "port", s.port)
	return s.Serve(lis)
}

// Serve accepts agent links on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
