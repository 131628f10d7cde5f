package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	// Enabled turns the server on. Off by default.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address (default: "127.0.0.1:9464").
	Addr string `yaml:"addr"`
}

// DefaultServerConfig returns the defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: "127.0.0.1:9464"}
}

// StatusFunc returns the JSON-serializable runtime snapshot served on
// /v1/status.
type StatusFunc func() any

// Server serves health, metrics and status endpoints.
type Server struct {
	cfg     ServerConfig
	metrics *Metrics
	status  StatusFunc
	logger  *slog.Logger
	started time.Time

	http *http.Server
	ln   net.Listener
}

// NewServer creates the ops server. status may be nil.
func NewServer(cfg ServerConfig, metrics *Metrics, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		status:  status,
		logger:  logger.With("component", "ops"),
		started: time.Now(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/v1/status", s.handleStatus)
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops server listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", "error", err)
		}
	}()
	s.logger.Info("ops server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "status not available"})
		return
	}
	respondJSON(w, http.StatusOK, s.status())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
