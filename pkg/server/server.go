// Package server exposes the session's eligibility report and outcome feed
// over HTTP. It is strictly read-only: minting is driven by the session owner,
// never through this surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cryptoelites/mintgate/pkg/mint"
)

// Session is the narrow view of the mint session the server reads from.
type Session interface {
	Ready() bool
	Report() []mint.ReportEntry
	Outcomes() []mint.Outcome
}

type Config struct {
	Logger  *slog.Logger
	Session Session

	// Bind is the listen address, e.g. "127.0.0.1:8080".
	Bind string

	// AllowedOrigins for CORS; defaults to localhost only.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Session == nil {
		return errors.New("session is required")
	}
	if cfg.Bind == "" {
		return errors.New("bind address is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	session Session
	router  *chi.Mux
	srv     *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		session: cfg.Session,
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	s.router.Get("/eligibility", s.handleEligibility)
	s.router.Get("/outcomes", s.handleOutcomes)
	s.router.Get("/readyz", s.handleReadyz)

	s.srv = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// handleEligibility returns the ordered per-group eligibility report from the
// last published evaluation pass.
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if !s.session.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "no eligibility pass published yet")
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Report())
}

// handleOutcomes returns the append-only settled outcome feed.
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes := s.session.Outcomes()
	if outcomes == nil {
		outcomes = []mint.Outcome{}
	}
	s.writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.session.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("report server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server: shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
