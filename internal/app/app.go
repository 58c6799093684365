// Package app owns the top-level lifecycle of the vault settlement engine.
// It wires stores, caches, platform adapters, blob storage and notifications
// together, then runs the goroutines for the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rose-token/vaultd/internal/config"
)

// App holds the configuration, the root logger and the cleanup stack that is
// unwound in reverse order on shutdown.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	cleanups []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and blocks in the selected operating mode until
// the context is cancelled. Cleanup is deferred to Close.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting vaultd",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.cleanups = append(a.cleanups, cleanup)

	switch mode {
	case "server":
		return a.ServerMode(ctx, deps)
	case "settle":
		return a.SettleMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close unwinds the cleanup stack. Calling it more than once is a no-op.
func (a *App) Close() {
	a.logger.Info("shutting down vaultd")
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
