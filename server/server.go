// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"carwatch/pipeline"
	"carwatch/pkg/carwatch"
)

// FilterStore manages filter specs.
type FilterStore interface {
	SaveFilter(ctx context.Context, f *carwatch.FilterSpec) error
	FiltersByOwner(ctx context.Context, owner string) ([]*carwatch.FilterSpec, error)
	DeactivateFilter(ctx context.Context, id string) error
}

// Poller runs one pipeline cycle on demand.
type Poller interface {
	RunCycle(ctx context.Context) (*pipeline.CycleStats, error)
}

// Server handles HTTP requests.
type Server struct {
	store   FilterStore
	poller  Poller
	logger  *slog.Logger
	limiter *rateLimiter
	now     func() time.Time
}

// Config holds server configuration.
type Config struct {
	Store  FilterStore
	Poller Poller
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:   cfg.Store,
		poller:  cfg.Poller,
		logger:  cfg.Logger,
		limiter: newRateLimiter(20, time.Hour),
		now:     time.Now,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/filters", s.handleFilters)
	mux.HandleFunc("/filters/deactivate", s.handleDeactivate)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs a whole cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	stats, err := s.poller.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("Poll cycle failed", "error", err)
		http.Error(w, "Cycle failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
