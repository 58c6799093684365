// Package redemption decides how redemptions are fulfilled: instantly from
// the liquid reserve, or queued for asynchronous settlement once liquidity is
// sourced. It owns the redemption queue's creation, lookup, and cancel paths.
package redemption

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/guard"
)

// Snapshotter produces fresh basket snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context) (domain.BasketSnapshot, error)
}

// UsableReserve returns the portion of the cash asset's value available to
// pay redemptions after shaving off the safety buffer. Zero when the snapshot
// carries no cash asset line.
func UsableReserve(snap domain.BasketSnapshot, cashAssetKey string, bufferBps int64) decimal.Decimal {
	cash, ok := snap.Asset(cashAssetKey)
	if !ok {
		return decimal.Zero
	}
	keep := decimal.NewFromInt(domain.WeightScale - bufferBps)
	return cash.Value.Mul(keep).Div(decimal.NewFromInt(domain.WeightScale))
}

// Router decides instant-vs-queued for a requested redemption. Routing is
// advisory and strictly read-only: the caller performs the actual burn (for
// instant) or enrolls in the queue (for queued), so Route may be called any
// number of times without side effects.
type Router struct {
	guard            *guard.Supervisor
	queue            domain.RedemptionStore
	snapshots        Snapshotter
	cashAssetKey     string
	reserveBufferBps int64
	logger           *slog.Logger
}

// NewRouter creates a Router. reserveBufferBps shaves a safety margin off the
// cash asset's value before comparing it against the requested payout.
func NewRouter(
	g *guard.Supervisor,
	queue domain.RedemptionStore,
	snapshots Snapshotter,
	cashAssetKey string,
	reserveBufferBps int64,
	logger *slog.Logger,
) *Router {
	return &Router{
		guard:            g,
		queue:            queue,
		snapshots:        snapshots,
		cashAssetKey:     cashAssetKey,
		reserveBufferBps: reserveBufferBps,
		logger:           logger.With(slog.String("component", "redemption_router")),
	}
}

// Route prices the requested share burn against a fresh snapshot and compares
// the payout to the usable liquid reserve.
//
// Failure order: ErrPaused, then ErrCooldownActive, then
// ErrRedemptionAlreadyPending, then snapshot errors. A snapshot failure means
// unknown state; no decision is returned.
func (r *Router) Route(ctx context.Context, account string, shares decimal.Decimal) (domain.RouteDecision, error) {
	decision, _, err := r.route(ctx, account, shares)
	return decision, err
}

// route is Route plus the snapshot the decision was priced against, for
// callers that need to convert reference-currency amounts to native units.
func (r *Router) route(ctx context.Context, account string, shares decimal.Decimal) (domain.RouteDecision, domain.BasketSnapshot, error) {
	if !shares.IsPositive() {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, fmt.Errorf("redemption: shares must be positive, got %s", shares)
	}

	if err := r.guard.CheckPause(ctx); err != nil {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, err
	}
	if err := r.guard.CheckCooldown(ctx, account, domain.ActionRedeem); err != nil {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, err
	}

	pending, err := r.queue.PendingForAccount(ctx, account)
	if err != nil {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, fmt.Errorf("redemption: pending lookup for %s: %w", account, err)
	}
	if pending != nil {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, domain.ErrRedemptionAlreadyPending
	}

	snap, err := r.snapshots.Snapshot(ctx)
	if err != nil {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, err
	}
	if !snap.PricePerShareDefined {
		return domain.RouteDecision{}, domain.BasketSnapshot{}, domain.ErrPriceUndefined
	}

	owed := shares.Mul(snap.PricePerShare)
	reserve := UsableReserve(snap, r.cashAssetKey, r.reserveBufferBps)

	decision := domain.RouteDecision{
		Mode:                  domain.RouteInstant,
		ReferenceCurrencyOwed: owed,
		Shortfall:             decimal.Zero,
	}
	if owed.GreaterThan(reserve) {
		decision.Mode = domain.RouteQueued
		decision.Shortfall = owed.Sub(reserve)
	}

	r.logger.DebugContext(ctx, "redemption routed",
		slog.String("account", account),
		slog.String("mode", string(decision.Mode)),
		slog.String("owed", owed.String()),
		slog.String("reserve", reserve.String()),
	)

	return decision, snap, nil
}
