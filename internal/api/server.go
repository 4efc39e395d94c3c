// Package api serves the liveness, readiness and stats probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
)

// Options configures the probe server
type Options struct {
	Addr string
	// Ready reports whether the chat gateway is connected.
	Ready func() bool
	// Stats feeds /stats; nil serves an empty object.
	Stats  func() map[string]any
	Logger *log.Logger
}

// Server represents the probe server
type Server struct {
	opts       Options
	logger     *log.Logger
	httpServer *http.Server
}

// NewServer creates a probe server
func NewServer(opts Options) *Server {
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{opts: opts, logger: logger.With("component", "api")}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens on the configured address and blocks until Stop.
// A clean shutdown returns nil, also when Stop ran first.
func (s *Server) Start() error {
	s.logger.Info("starting probe server", "addr", s.opts.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router configures all probe routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if s.opts.Stats != nil {
		stats = s.opts.Stats()
	}
	stats["timestamp"] = time.Now().Unix()
	s.writeJSON(w, stats)
}

// Response helpers
func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
