// Package admin runs the gRPC admin listener exposing the standard health
// service.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported alongside the overall status.
const Service = "snapper"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewServer() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(true)
	return s
}

func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("admin server listen error: %w", err)
	}
	return s.Serve(ln)
}

// Serve blocks until Close. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	logger.InfoF("Admin gRPC Server Listen On %s", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Close reports NOT_SERVING to watchers, then stops gracefully, forcing the
// stop once ctx expires.
func (s *Server) Close(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}
