// Package server exposes the vault's HTTP API: redemption routing and
// enrollment, basket display, and the operator controls.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/server/handler"
	"github.com/rose-token/vaultd/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	AdminAPIKey     string // if empty, admin authentication is disabled
	RateLimit       int    // requests per window per client IP; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Redemption *handler.RedemptionHandler
	Basket     *handler.BasketHandler
	Admin      *handler.AdminHandler
}

// Server is the HTTP API server for the vault settlement engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Public routes run
// behind logging, CORS, and optional rate limiting; admin routes additionally
// require the operator API key.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/redemption/availability", handlers.Redemption.Availability)
	mux.HandleFunc("POST /api/redemption/enroll", handlers.Redemption.Enroll)
	mux.HandleFunc("GET /api/redemption/{id}", handlers.Redemption.Get)

	mux.HandleFunc("GET /api/basket", handlers.Basket.Get)

	// Admin routes sit behind their own mux so only they carry the key check.
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST /api/admin/pause", handlers.Admin.Pause)
	adminMux.HandleFunc("POST /api/admin/resume", handlers.Admin.Resume)
	adminMux.HandleFunc("POST /api/admin/redemption/{id}/cancel", handlers.Admin.CancelRedemption)
	mux.Handle("/api/admin/", middleware.Auth(cfg.AdminAPIKey)(adminMux))

	var h http.Handler = mux

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
