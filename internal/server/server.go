// Package server exposes the pair trading engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pairbot/internal/server/handler"
	"github.com/alanyoungcy/pairbot/internal/server/middleware"
	"github.com/alanyoungcy/pairbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	MetricsPath string
}

// Handlers aggregates the endpoint handlers. Nil members leave their routes
// unregistered, so monitor mode simply omits Pairs.
type Handlers struct {
	Health  *handler.HealthHandler
	Pairs   *handler.PairHandler
	Quotes  *handler.QuoteHandler
	Events  *handler.EventHandler
	Metrics http.Handler
	Hub     *ws.Hub
}

// Server is the engine's HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, logging and
// auth middleware. Health and metrics stay reachable without the API key.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	api := http.NewServeMux()

	if p := handlers.Pairs; p != nil {
		api.HandleFunc("GET /api/pairs/running", p.ListRunning)
		api.HandleFunc("GET /api/pairs/finished", p.ListFinished)
		api.HandleFunc("GET /api/pairs/history", p.History)
		api.HandleFunc("GET /api/pairs/{id}", p.GetPair)
		api.HandleFunc("POST /api/pairs", p.Submit)
		api.HandleFunc("DELETE /api/pairs/{id}", p.Abandon)
	}
	if q := handlers.Quotes; q != nil {
		api.HandleFunc("GET /api/quotes/{instrument}", q.GetQuote)
		api.HandleFunc("POST /api/quotes", q.PostQuote)
	}
	if e := handlers.Events; e != nil {
		api.HandleFunc("GET /api/events", e.List)
	}
	if handlers.Hub != nil {
		api.HandleFunc("GET /ws", handlers.Hub.HandleWS)
	}

	root := http.NewServeMux()
	root.Handle("/", middleware.Auth(cfg.APIKey)(api))
	if handlers.Health != nil {
		root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if handlers.Metrics != nil {
		root.Handle("GET "+metricsPath, handlers.Metrics)
	}

	var h http.Handler = root
	h = middleware.Logging(logger, "/api/health", metricsPath)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
