// Package api is the HTTP intake surface: POST /intent for synchronous
// governance decisions and GET /health for status.
//
// Threading model: the listener accepts concurrent connections, but one
// process-wide mutex serialises the whole evaluate + audit + broker submit +
// fill apply + counter update section. Successive requests therefore observe
// monotone state, at the cost of head-of-line blocking behind a slow broker
// call — accepted for v0.1.
//
// Binds to 127.0.0.1 by default. For external exposure, put a reverse proxy
// with TLS in front and set a bearer token as a safety net against
// accidental 0.0.0.0 binds.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"policygate/internal/runner"
	"policygate/pkg/types"
)

// MaxBodyBytes caps POST /intent request bodies.
const MaxBodyBytes = 65536

// Server owns the HTTP listener and the serialised governance section.
type Server struct {
	runner *runner.Runner
	market types.MarketSnapshot
	runID  string
	token  string

	mu     sync.Mutex // the server lock: one intent in flight at a time
	server *http.Server
	logger *slog.Logger

	health HealthSource
}

// HealthSource reads the counters reported by GET /health. The values are
// read under the server lock.
type HealthSource struct {
	PolicyHash string
	Portfolio  *types.PortfolioState
	Execution  *types.ExecutionState
}

// Config wires a server.
type Config struct {
	Host   string
	Port   int
	Runner *runner.Runner
	Market types.MarketSnapshot
	RunID  string
	Token  string // empty disables bearer auth
	Health HealthSource
	Logger *slog.Logger
}

// NewServer creates a configured, unstarted server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		runner: cfg.Runner,
		market: cfg.Market,
		runID:  cfg.RunID,
		token:  cfg.Token,
		logger: cfg.Logger.With("component", "api-server"),
		health: cfg.Health,
	}

	r := chi.NewRouter()
	r.Use(s.requireAuth)
	r.Get("/health", s.handleHealth)
	r.Post("/intent", s.handleIntent)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed"})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("intake listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping intake")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requireAuth enforces the optional bearer token on every route, /health
// included.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   "unauthorized",
				Message: "Invalid or missing Bearer token.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
