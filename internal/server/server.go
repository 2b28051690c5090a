// Package server exposes the operator API: run and quote arbitrage, manage
// the engine's controller parameters, inspect runs and balances, and stream
// committed events over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/middleware"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   float64
	RateBurst   int
}

// Handlers aggregates the HTTP handlers the server registers. Venues is
// optional.
type Handlers struct {
	Health *handler.HealthHandler
	Engine *handler.EngineHandler
	Arb    *handler.ArbHandler
	Venues *handler.VenueHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: rate limit, CORS, logging, then auth closest to the mux.
// wsHub and m may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, m *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, m, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, m *metrics.Collector, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", m.Handler())

	// Engine parameters and controller operations.
	mux.HandleFunc("GET /api/engine", handlers.Engine.GetEngine)
	mux.HandleFunc("PUT /api/engine/slippage", handlers.Engine.SetSlippage)
	mux.HandleFunc("POST /api/engine/withdraw", handlers.Engine.Withdraw)
	mux.HandleFunc("GET /api/balances/{holder}", handlers.Engine.Balances)

	// Arbitrage runs.
	mux.HandleFunc("POST /api/arbitrage/start", handlers.Arb.Start)
	mux.HandleFunc("POST /api/arbitrage/quote", handlers.Arb.Quote)
	mux.HandleFunc("GET /api/arbitrage/best", handlers.Arb.Best)
	mux.HandleFunc("GET /api/arbitrage/runs", handlers.Arb.ListRuns)
	mux.HandleFunc("GET /api/arbitrage/runs/{id}", handlers.Arb.GetRun)
	mux.HandleFunc("GET /api/arbitrage/runs/{id}/receipt", handlers.Arb.GetReceipt)

	if handlers.Venues != nil {
		mux.HandleFunc("GET /api/venues", handlers.Venues.ListVenues)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, m)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
