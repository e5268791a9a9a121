package observability

import (
	"context"
	"net/http"
	"time"
)

// Server exposes the metrics and health endpoints on a separate listener so
// they stay reachable while the session API is saturated.
type Server struct {
	httpServer *http.Server
	addr       string
	health     *HealthChecker
}

// NewServer creates a new observability server listening on addr.
func NewServer(addr string, health *HealthChecker) *Server {
	return &Server{
		addr:   addr,
		health: health,
	}
}

// Start starts the observability server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
