package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rose-token/vaultd/internal/crypto"
	"github.com/rose-token/vaultd/internal/guard"
	"github.com/rose-token/vaultd/internal/rebalance"
	"github.com/rose-token/vaultd/internal/redemption"
	"github.com/rose-token/vaultd/internal/server"
	"github.com/rose-token/vaultd/internal/server/handler"
	"github.com/rose-token/vaultd/internal/valuation"
)

// core bundles the domain services shared by the server and settle modes.
type core struct {
	engine  *valuation.Engine
	guard   *guard.Supervisor
	router  *redemption.Router
	service *redemption.Service
}

// buildCore constructs the valuation engine, guard supervisor, redemption
// router, and redemption service from the wired dependencies.
func (a *App) buildCore(deps *Dependencies) *core {
	engine := valuation.NewEngine(deps.Ledger, deps.Oracle, a.cfg.Oracle.MaxStaleness.Duration, a.logger)
	g := guard.NewSupervisor(deps.PauseStore, deps.Cooldowns, a.logger)
	router := redemption.NewRouter(
		g,
		deps.RedemptionStore,
		engine,
		a.cfg.Vault.CashAssetKey,
		a.cfg.Vault.ReserveBufferBps,
		a.logger,
	)
	service := redemption.NewService(
		deps.RedemptionStore,
		router,
		deps.Ledger,
		g,
		deps.AuditStore,
		deps.Notifier,
		a.cfg.Vault.RedeemCooldown.Duration,
		a.logger,
	)
	return &core{engine: engine, guard: g, router: router, service: service}
}

// ServerMode runs only the HTTP API: routing, enrollment, lookup, basket
// display, and the operator endpoints. No settlement cycles run.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildCore(deps))
	return g.Wait()
}

// SettleMode runs only the rebalance trigger (and the archiver when enabled).
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSettlement(ctx, g, deps, a.buildCore(deps))
	return g.Wait()
}

// FullMode runs the HTTP API and the settlement cycle in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)
	a.startHTTPServer(ctx, g, deps, c)
	a.startSettlement(ctx, g, deps, c)
	return g.Wait()
}

// startHTTPServer adds the HTTP server goroutine to the given errgroup, plus
// a watcher that shuts the server down when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false, skipping HTTP server")
		return
	}

	adminKey, err := a.resolveAdminKey()
	if err != nil {
		a.logger.ErrorContext(ctx, "admin key unavailable, admin endpoints disabled",
			slog.String("error", err.Error()),
		)
		adminKey = ""
	}

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			AdminAPIKey:     adminKey,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:     handler.NewHealthHandler(deps.RedisClient, a.logger),
			Redemption: handler.NewRedemptionHandler(c.service, c.router, a.logger),
			Basket:     handler.NewBasketHandler(deps.Snapshots, c.engine, a.logger),
			Admin:      handler.NewAdminHandler(c.guard, c.service, deps.AuditStore, deps.Notifier, a.logger),
		},
		deps.RateLimiter,
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startSettlement adds the rebalance trigger loop (and archiver ticker when
// enabled) to the given errgroup.
func (a *App) startSettlement(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	// A dead venue does not stop the loop (legs fail and retry), but it is
	// worth a warning before the first cycle.
	if hc, ok := deps.Swap.(interface{ Healthy(context.Context) bool }); ok && !hc.Healthy(ctx) {
		a.logger.WarnContext(ctx, "swap venue health probe failed",
			slog.String("base_url", a.cfg.Swap.BaseURL),
		)
	}

	trigger := rebalance.NewTrigger(
		rebalance.Config{
			CashAssetKey:      a.cfg.Vault.CashAssetKey,
			VaultAccount:      a.cfg.Vault.Account,
			ReserveBufferBps:  a.cfg.Vault.ReserveBufferBps,
			DriftThresholdBps: a.cfg.Vault.DriftThresholdBps,
			MaxSlippageBps:    a.cfg.Vault.MaxSlippageBps,
			CycleInterval:     a.cfg.Vault.CycleInterval.Duration,
			SwapLegTimeout:    a.cfg.Vault.SwapLegTimeout.Duration,
		},
		c.engine,
		deps.RedemptionStore,
		deps.Ledger,
		deps.Swap,
		deps.LockManager,
		deps.Snapshots,
		deps.AuditStore,
		deps.Notifier,
		a.logger,
	)

	g.Go(func() error {
		return trigger.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps, c.engine)
		})
	}
}

// runArchiver periodically archives terminal redemption requests older than
// the retention window, plus a basket snapshot sampled on the same tick. A
// failed pass is logged and retried on the next tick.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies, engine *valuation.Engine) error {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			count, key, err := deps.Archiver.ArchiveRedemptions(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if count > 0 {
				a.logger.InfoContext(ctx, "archive pass complete",
					slog.Int("records", count),
					slog.String("key", key),
				)
			}

			snap, err := engine.Snapshot(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "snapshot sample skipped",
					slog.String("error", err.Error()),
				)
				continue
			}
			if snapKey, err := deps.Archiver.ArchiveSnapshot(ctx, snap); err != nil {
				a.logger.ErrorContext(ctx, "snapshot archive failed",
					slog.String("error", err.Error()),
				)
			} else {
				a.logger.InfoContext(ctx, "snapshot archived",
					slog.String("key", snapKey),
				)
			}
		}
	}
}

// resolveAdminKey returns the operator API key, preferring the raw config
// value and falling back to the encrypted-at-rest file.
func (a *App) resolveAdminKey() (string, error) {
	if a.cfg.Server.AdminAPIKey == "" && a.cfg.Server.EncryptedAdminKeyPath == "" {
		return "", nil
	}
	return crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     a.cfg.Server.AdminAPIKey,
		EncryptedPath: a.cfg.Server.EncryptedAdminKeyPath,
		Password:      a.cfg.Server.AdminKeyPassword,
	})
}
