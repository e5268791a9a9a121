// Package server exposes the session engine over HTTP: a JSON API for
// lifecycle operations and streaming endpoints (SSE and WebSocket) for the
// event log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/leash-dev/leash/internal/runner"
	"github.com/leash-dev/leash/internal/session"
	"github.com/leash-dev/leash/internal/state"
	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/observability"
	"github.com/leash-dev/leash/pkg/security"
)

// Options configures the API server.
type Options struct {
	Addr      string
	AuthToken string
	RateLimit int
	RateBurst int
}

// Server is the session API.
type Server struct {
	store   *session.Store
	auth    *security.TokenAuth
	limiter *security.RateLimiter

	httpServer *http.Server
}

// New creates the API server around a session store.
func New(store *session.Store, opts Options) *Server {
	s := &Server{
		store:   store,
		auth:    security.NewTokenAuth(opts.AuthToken),
		limiter: security.NewRateLimiter(float64(opts.RateLimit), opts.RateBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /sessions/{id}/approval-mode", s.handleApprovalMode)
	mux.HandleFunc("POST /sessions/{id}/permissions/{request_id}", s.handlePermission)
	mux.HandleFunc("GET /sessions/{id}/usage", s.handleUsage)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	log.Printf("api server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush passes flushes through so streaming endpoints keep working behind
// the metrics wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// middleware applies auth, rate limiting, and request metrics.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authenticate(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiter.Allow(client) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		observability.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(sw.status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps engine errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var invalid *state.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, session.ErrPermissionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid),
		errors.Is(err, session.ErrNotAwaitingInput):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrUnknownAdapter):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
