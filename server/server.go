// Package server exposes the monitoring surface: a REST API over the
// runtime's flows, jobs, breakpoints and debug data, WebSocket monitor
// streams, and the Prometheus metrics endpoint.
//
// The server is an observer and builder on top of the engine's public
// operations; the engine core has no dependency on this package.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/runtime"
)

// Config configures the monitoring server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// MonitorInterval is the WebSocket push cadence (default 1s).
	MonitorInterval time.Duration
	// Logger is the structured logger. Nop when nil.
	Logger *log.Logger
	// Metrics is mounted at /metrics when set.
	Metrics *metrics.Metrics
}

// Service serves the monitoring API for one runtime.
type Service struct {
	cfg    Config
	rt     *runtime.Runtime
	logger *log.SugaredLogger
	server *http.Server
}

// New creates the monitoring service.
func New(rt *runtime.Runtime, cfg Config) *Service {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		cfg:    cfg,
		rt:     rt,
		logger: logger.Sugar(),
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Service) Handler() http.Handler { return s.server.Handler }

// routes builds the API mux.
func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/flows", s.listFlows)
	mux.HandleFunc("POST /api/flows", s.createFlow)
	mux.HandleFunc("GET /api/flows/{flow_id}", s.getFlow)
	mux.HandleFunc("DELETE /api/flows/{flow_id}", s.deleteFlow)
	mux.HandleFunc("POST /api/flows/{flow_id}/validate", s.validateFlow)
	mux.HandleFunc("GET /api/flows/{flow_id}/dsl", s.exportFlowDSL)

	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{job_id}", s.getJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/pause", s.pauseJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/resume", s.resumeJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/cancel", s.cancelJob)
	mux.HandleFunc("POST /api/jobs/{job_id}/breakpoints", s.setBreakpoint)
	mux.HandleFunc("GET /api/jobs/{job_id}/breakpoints", s.listBreakpoints)
	mux.HandleFunc("GET /api/jobs/{job_id}/debug/data", s.debugData)

	mux.HandleFunc("GET /api/ws/jobs/{job_id}/monitor", s.wsJobMonitor)
	mux.HandleFunc("GET /api/ws/jobs/{job_id}/debug", s.wsJobDebug)
	mux.HandleFunc("GET /api/ws/flows/{flow_id}/monitor", s.wsFlowMonitor)

	return mux
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Service) Start() error {
	s.logger.Infof("monitoring server listening on %s", s.cfg.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Service) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"worker_id": s.rt.WorkerID(),
	})
}
