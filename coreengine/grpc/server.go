// Package grpc provides the engine's gRPC health endpoint.
//
// The server exposes the standard grpc.health.v1 service. The overall
// status ("") is SERVING while the server is up; the SchedulerService
// entry is SERVING only while the cleanup loop runs, and follows
// SchedulerStateChanged events from the bus.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/janitor/commbus"
)

// SchedulerService is the health service name that reflects the cleanup loop.
const SchedulerService = "janitor.Scheduler"

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// HealthServer wraps a gRPC server carrying the health service, with
// graceful shutdown support.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     Logger
	address    string

	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewHealthServer creates a health server for address. Without options it
// uses ServerOptions(logger).
func NewHealthServer(address string, logger Logger, opts ...grpc.ServerOption) *HealthServer {
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger,
		address:    address,
	}
}

// SetSchedulerRunning updates the SchedulerService status.
func (s *HealthServer) SetSchedulerRunning(running bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SchedulerService, st)
	s.logger.Debug("health_status_updated", "service", SchedulerService, "status", st.String())
}

// Follow subscribes to SchedulerStateChanged on bus and mirrors it into
// the SchedulerService status. Returns the unsubscribe function.
func (s *HealthServer) Follow(bus commbus.CommBus) func() {
	return bus.Subscribe("SchedulerStateChanged", func(ctx context.Context, msg commbus.Message) (any, error) {
		ev, ok := msg.(*commbus.SchedulerStateChanged)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %T", msg)
		}
		s.SetSchedulerRunning(ev.Running)
		return nil, nil
	})
}

// =============================================================================
// Server Lifecycle
// =============================================================================

// Start starts the server and blocks until ctx is cancelled.
// When ctx is cancelled, it performs graceful shutdown.
func (s *HealthServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts serving in a goroutine.
// Returns a channel that receives errors.
func (s *HealthServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.shutdownMu.Lock()
	s.listener = lis
	s.shutdownMu.Unlock()

	s.logger.Info("grpc_health_server_started",
		"address", lis.Addr().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// GracefulStop marks every service NOT_SERVING, stops accepting new
// connections, and waits for in-flight calls.
func (s *HealthServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// Open Watch streams never finish on their own, so after timeout the
// server is stopped immediately.
func (s *HealthServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// Address returns the bound address once started, else the configured one.
func (s *HealthServer) Address() string {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
