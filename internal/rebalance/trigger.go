package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/notify"
	"github.com/rose-token/vaultd/internal/redemption"
)

// cycleLockKey is the distributed lock key guarding cycle mutual exclusion
// across replicas.
const cycleLockKey = "rebalance-cycle"

// cycleLockTTL bounds how long a crashed holder can block other replicas.
const cycleLockTTL = 5 * time.Minute

// Config holds the trigger's settlement parameters.
type Config struct {
	CashAssetKey      string
	VaultAccount      string
	ReserveBufferBps  int64
	DriftThresholdBps int64
	MaxSlippageBps    int64
	CycleInterval     time.Duration
	SwapLegTimeout    time.Duration
}

// Trigger runs the periodic rebalance cycle. Only one cycle may be in flight
// at a time: an in-process TryLock skips overlapping ticks and a distributed
// lock keeps a second replica out. Overlapping cycles would double-spend the
// same liquidity toward two different queued requests.
type Trigger struct {
	cfg       Config
	snapshots redemption.Snapshotter
	queue     domain.RedemptionStore
	ledger    domain.Ledger
	venue     domain.SwapVenue
	locks     domain.LockManager
	cache     domain.SnapshotCache
	audit     domain.AuditStore
	notifier  *notify.Notifier
	logger    *slog.Logger

	cycleMu sync.Mutex
}

// NewTrigger creates a Trigger. cache may be nil when no display cache is
// wired.
func NewTrigger(
	cfg Config,
	snapshots redemption.Snapshotter,
	queue domain.RedemptionStore,
	ledger domain.Ledger,
	venue domain.SwapVenue,
	locks domain.LockManager,
	cache domain.SnapshotCache,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Trigger {
	return &Trigger{
		cfg:       cfg,
		snapshots: snapshots,
		queue:     queue,
		ledger:    ledger,
		venue:     venue,
		locks:     locks,
		cache:     cache,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "rebalance_trigger")),
	}
}

// Run executes cycles on a fixed interval until the context is cancelled.
// A failed cycle is logged and retried on the next tick; it never stops the
// loop.
func (t *Trigger) Run(ctx context.Context) error {
	t.logger.InfoContext(ctx, "rebalance trigger started",
		slog.Duration("cycle_interval", t.cfg.CycleInterval),
	)
	defer t.logger.Info("rebalance trigger stopped")

	if err := t.RunCycle(ctx); err != nil {
		t.logger.WarnContext(ctx, "rebalance cycle failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(t.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.RunCycle(ctx); err != nil {
				t.logger.WarnContext(ctx, "rebalance cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCycle executes a single cycle: snapshot, plan, swap legs, re-snapshot,
// fulfill. A snapshot failure aborts the cycle with no state mutation; a
// failed swap leg is skipped for this cycle and never aborts completed legs.
func (t *Trigger) RunCycle(ctx context.Context) error {
	if !t.cycleMu.TryLock() {
		t.logger.DebugContext(ctx, "cycle already in flight, skipping tick")
		return nil
	}
	defer t.cycleMu.Unlock()

	unlock, err := t.locks.Acquire(ctx, cycleLockKey, cycleLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			t.logger.DebugContext(ctx, "cycle lock held elsewhere, skipping tick")
			return nil
		}
		return fmt.Errorf("rebalance: acquire cycle lock: %w", err)
	}
	defer unlock()

	snap, err := t.snapshots.Snapshot(ctx)
	if err != nil {
		// Unknown state: do not act.
		return fmt.Errorf("rebalance: snapshot: %w", err)
	}
	t.cacheSnapshot(ctx, snap)

	pending, err := t.queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("rebalance: list pending: %w", err)
	}

	liability := decimal.Zero
	for _, req := range pending {
		liability = liability.Add(req.ReferenceCurrencyOwed)
	}

	reserve := redemption.UsableReserve(snap, t.cfg.CashAssetKey, t.cfg.ReserveBufferBps)
	legs := PlanSales(snap, t.cfg.CashAssetKey, liability, reserve, t.cfg.DriftThresholdBps)

	if liability.IsZero() && len(legs) > 0 {
		_ = t.notifier.Notify(ctx, "drift_threshold_exceeded", "Basket drift above threshold",
			fmt.Sprintf("max drift %dbps exceeds %dbps, trimming %d asset(s)",
				snap.MaxDriftBps(), t.cfg.DriftThresholdBps, len(legs)))
	}

	executed := t.executeLegs(ctx, legs)

	if executed > 0 {
		// Sales changed the book; fulfillment decisions need fresh numbers.
		snap, err = t.snapshots.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("rebalance: re-snapshot after sales: %w", err)
		}
		t.cacheSnapshot(ctx, snap)
		reserve = redemption.UsableReserve(snap, t.cfg.CashAssetKey, t.cfg.ReserveBufferBps)
	}

	return t.fulfill(ctx, snap, pending, reserve)
}

// executeLegs runs each planned sale under its own bounded timeout and
// returns the number of successful legs. A failed or timed-out leg is logged
// and retried next cycle; it does not touch other legs.
func (t *Trigger) executeLegs(ctx context.Context, legs []SaleLeg) int {
	executed := 0
	for _, leg := range legs {
		minOut := leg.SellValue.
			Mul(decimal.NewFromInt(domain.WeightScale - t.cfg.MaxSlippageBps)).
			Div(decimal.NewFromInt(domain.WeightScale))

		legCtx, cancel := context.WithTimeout(ctx, t.cfg.SwapLegTimeout)
		out, err := t.venue.Swap(legCtx, leg.FromAsset, t.cfg.CashAssetKey, leg.AmountIn, minOut, t.cfg.VaultAccount)
		cancel()

		if err != nil {
			t.logger.WarnContext(ctx, "swap leg failed, retrying next cycle",
				slog.String("asset", leg.FromAsset),
				slog.String("amount_in", leg.AmountIn.String()),
				slog.String("error", err.Error()),
			)
			_ = t.notifier.Notify(ctx, "swap_leg_failed", "Swap leg failed",
				fmt.Sprintf("sell %s %s: %v", leg.AmountIn, leg.FromAsset, err))
			continue
		}

		executed++
		if err := t.audit.Log(ctx, "rebalance.swap_executed", map[string]any{
			"from_asset": leg.FromAsset,
			"amount_in":  leg.AmountIn.String(),
			"amount_out": out.String(),
		}); err != nil {
			t.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}

		t.logger.InfoContext(ctx, "swap leg executed",
			slog.String("asset", leg.FromAsset),
			slog.String("amount_in", leg.AmountIn.String()),
			slog.String("amount_out", out.String()),
		)
	}
	return executed
}

// fulfill pays pending requests strictly oldest-first while the usable
// reserve covers them. The payout is the amount fixed at enrollment, never
// re-priced. Processing stops at the first request the reserve cannot cover
// so younger requests cannot jump the queue.
func (t *Trigger) fulfill(ctx context.Context, snap domain.BasketSnapshot, pending []domain.RedemptionRequest, reserve decimal.Decimal) error {
	if len(pending) == 0 {
		return nil
	}

	cash, ok := snap.Asset(t.cfg.CashAssetKey)
	if !ok || !cash.Value.IsPositive() {
		return nil
	}

	for _, req := range pending {
		if req.ReferenceCurrencyOwed.GreaterThan(reserve) {
			break
		}

		// Convert the reference-currency payout into the cash asset's native
		// units using the snapshot's balance-to-value ratio.
		nativeAmount := cash.Balance.Mul(req.ReferenceCurrencyOwed).Div(cash.Value)

		if err := t.ledger.TransferOut(ctx, t.cfg.CashAssetKey, nativeAmount, req.Account); err != nil {
			return fmt.Errorf("rebalance: transfer for request %d: %w", req.ID, err)
		}

		if err := t.queue.MarkFulfilled(ctx, req.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Two writers touched one request; this should be impossible
				// under the cycle lock.
				t.logger.ErrorContext(ctx, "fulfillment transition anomaly",
					slog.Int64("request_id", req.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			return fmt.Errorf("rebalance: mark fulfilled %d: %w", req.ID, err)
		}

		reserve = reserve.Sub(req.ReferenceCurrencyOwed)

		if err := t.audit.Log(ctx, "redemption.fulfilled", map[string]any{
			"request_id": req.ID,
			"account":    req.Account,
			"owed":       req.ReferenceCurrencyOwed.String(),
		}); err != nil {
			t.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}

		_ = t.notifier.Notify(ctx, "redemption_fulfilled", "Redemption fulfilled",
			fmt.Sprintf("request %d: paid %s to %s", req.ID, req.ReferenceCurrencyOwed, req.Account))

		t.logger.InfoContext(ctx, "redemption fulfilled",
			slog.Int64("request_id", req.ID),
			slog.String("account", req.Account),
			slog.String("owed", req.ReferenceCurrencyOwed.String()),
		)
	}

	return nil
}

func (t *Trigger) cacheSnapshot(ctx context.Context, snap domain.BasketSnapshot) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, snap); err != nil {
		t.logger.DebugContext(ctx, "snapshot cache write failed", slog.String("error", err.Error()))
	}
}
