package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/janitor/commbus"
	"github.com/jeeves-cluster-organization/janitor/coreengine/config"
	"github.com/jeeves-cluster-organization/janitor/coreengine/kernel"
	"github.com/jeeves-cluster-organization/janitor/coreengine/sweep"
)

const busQueryTimeout = 5 * time.Second

// engine holds the wired subsystems of one daemon or CLI invocation.
type engine struct {
	bus         *commbus.InMemoryCommBus
	registry    *kernel.ProcessRegistry
	coordinator *kernel.Coordinator
}

// newEngine wires the subsystems described by cfg. A host without a
// readable /proc falls back to per-pid signal 0 liveness checks during reconcile.
func newEngine(cfg *config.EngineConfig, logger *slog.Logger) (*engine, error) {
	bus := commbus.NewInMemoryCommBus(busQueryTimeout, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))

	terminator := kernel.NewHostTerminator()
	var source kernel.ProcessSource
	procSource, err := kernel.NewProcFSSource("")
	if err != nil {
		logger.Warn("procfs_unavailable", "error", err.Error())
		source = kernel.SignalSource{Terminator: terminator}
	} else {
		source = procSource
	}

	registry := kernel.NewProcessRegistry(terminator, source, logger, &cfg.Registry)
	sweeper := sweep.NewSweeper(cfg.Sweep.QuarantineDir, logger)

	caches, err := cfg.NewCaches(logger)
	if err != nil {
		return nil, err
	}
	ruleSets, err := cfg.ToRuleSets()
	if err != nil {
		return nil, err
	}

	coordinator, err := kernel.NewCoordinator(kernel.Subsystems{
		Registry: registry,
		Caches:   caches,
		Sweeper:  sweeper,
		RuleSets: ruleSets,
		Bus:      bus,
	}, logger, &cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	return &engine{
		bus:         bus,
		registry:    registry,
		coordinator: coordinator,
	}, nil
}

// =============================================================================
// Admin Endpoint
// =============================================================================

// adminServer serves the default Prometheus registry on /metrics. With a
// bus it also serves GET /status (GetSchedulerStatus query) and POST /tick
// (TriggerTick command).
type adminServer struct {
	mu        sync.Mutex
	addr      string
	boundAddr string
	bus       commbus.CommBus
	server    *http.Server
	logger    *slog.Logger
}

func newAdminServer(addr string, bus commbus.CommBus, logger *slog.Logger) *adminServer {
	return &adminServer{addr: addr, bus: bus, logger: logger}
}

func (s *adminServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.bus != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
		mux.HandleFunc("POST /tick", s.handleTick)
	}
	return mux
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.bus.QuerySync(r.Context(), &commbus.GetSchedulerStatus{})
	if err != nil {
		s.logger.Warn("status_query_failed", "error", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, status); err != nil {
		s.logger.Warn("status_write_failed", "error", err.Error())
	}
}

func (s *adminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	err := s.bus.Send(r.Context(), &commbus.TriggerTick{Reason: "http"})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, kernel.ErrTickInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Warn("tick_trigger_failed", "error", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start listens on the configured address and serves in the background.
func (s *adminServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.server = &http.Server{
		Handler:      s.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("admin_server_started", "address", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin_server_failed", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *adminServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts the server down, waiting at most timeout for open requests.
func (s *adminServer) Close(timeout time.Duration) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
