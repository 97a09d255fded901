package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"funding_keeper/internal/core"
	"funding_keeper/internal/infrastructure/health"
)

// Server exposes Prometheus metrics and the health probe over HTTP.
type Server struct {
	addr    string
	tracker *health.Tracker
	logger  core.ILogger
	srv     *http.Server
}

// NewServer creates a new telemetry HTTP server.
func NewServer(addr string, tracker *health.Tracker, logger core.ILogger) *Server {
	return &Server{
		addr:    addr,
		tracker: tracker,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Start starts the telemetry HTTP server.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting telemetry server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Telemetry server failed", "error", err)
		}
	}()
}

// handleHealthz serves the aggregated component snapshot. It answers 200
// only while every registered component is healthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.tracker.Snapshot()
	code := http.StatusOK
	if !s.tracker.Healthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Warn("Failed to encode health snapshot", "error", err)
	}
}

// Stop gracefully stops the telemetry server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping telemetry server")
	return s.srv.Shutdown(ctx)
}
