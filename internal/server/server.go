// Package server exposes the operational HTTP surface of the embedding
// engine: health, backend info and Prometheus metrics. It does not accept
// embedding requests.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/config"
	"github.com/raaihank/llm-embedder/internal/embeddings"
	"github.com/raaihank/llm-embedder/internal/logger"
	"github.com/raaihank/llm-embedder/internal/metrics"
)

// probeText is embedded by the health check
const probeText = "health check"

// Version is reported by /info
var Version = "0.1.0"

type infoProvider interface {
	Info() embeddings.BackendInfo
}

// Server represents the ops HTTP server
type Server struct {
	config   config.ServerConfig
	logger   *logger.Logger
	embedder embeddings.Embedder
	metrics  *metrics.Metrics
	router   *mux.Router
	server   *http.Server
	started  time.Time
}

// New creates a new ops server instance. m may be nil, in which case
// /metrics answers 404.
func New(cfg config.ServerConfig, log *logger.Logger, embedder embeddings.Embedder, m *metrics.Metrics) *Server {
	router := mux.NewRouter()

	server := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		embedder: embedder,
		metrics:  m,
		router:   router,
		started:  time.Now(),
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It blocks until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.Int("port", s.config.Port))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server")
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Error     string `json:"error,omitempty"`
	Class     string `json:"error_class,omitempty"`
}

// handleHealth runs a probe embed and reports 503 when it fails
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
	}

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	vec, err := s.embedder.Embed(ctx, probeText)
	if err == nil && len(vec) != s.embedder.Dimensions() {
		err = fmt.Errorf("%w: probe returned %d values, expected %d",
			embeddings.ErrTensorShape, len(vec), s.embedder.Dimensions())
	}
	if err != nil {
		s.logger.Warn("Health probe failed", zap.Error(err))
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		resp.Class = string(embeddings.ClassOf(err))
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

type infoResponse struct {
	Name    string                  `json:"name"`
	Version string                  `json:"version"`
	Backend *embeddings.BackendInfo `json:"backend,omitempty"`
	Dims    int                     `json:"dimensions"`
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		Name:    "llm-embedder",
		Version: Version,
		Dims:    s.embedder.Dimensions(),
	}
	if ip, ok := s.embedder.(infoProvider); ok {
		info := ip.Info()
		resp.Backend = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
