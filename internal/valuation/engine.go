// Package valuation converts ledger balances and oracle prices into basket
// snapshots: per-asset value, actual weight, drift from target, and the
// price per share backing redemption payouts.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
)

var bpsScale = decimal.NewFromInt(domain.WeightScale)

// Engine produces basket snapshots. A snapshot either reflects one
// logically-consistent read of the ledger and oracle or fails entirely;
// callers must treat a failed snapshot as unknown state and not act on it.
type Engine struct {
	ledger       domain.Ledger
	oracle       domain.Oracle
	maxStaleness time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates an Engine. Oracle quotes older than maxStaleness fail the
// snapshot with domain.ErrOracleStale.
func NewEngine(ledger domain.Ledger, oracle domain.Oracle, maxStaleness time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:       ledger,
		oracle:       oracle,
		maxStaleness: maxStaleness,
		logger:       logger.With(slog.String("component", "valuation")),
		now:          time.Now,
	}
}

// Snapshot reads asset configuration, balances, circulating shares, and
// prices, and returns the valued basket. Weight and drift arithmetic is in
// integer basis points; value arithmetic stays in decimals at each asset's
// native precision.
func (e *Engine) Snapshot(ctx context.Context) (domain.BasketSnapshot, error) {
	entries, err := e.ledger.AssetConfig(ctx)
	if err != nil {
		return domain.BasketSnapshot{}, fmt.Errorf("valuation: asset config: %w", err)
	}

	balances, err := e.ledger.AssetBalances(ctx)
	if err != nil {
		return domain.BasketSnapshot{}, fmt.Errorf("valuation: asset balances: %w", err)
	}
	balanceByKey := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		balanceByKey[b.Key] = b.Balance
	}

	shares, err := e.ledger.CirculatingShares(ctx)
	if err != nil {
		return domain.BasketSnapshot{}, fmt.Errorf("valuation: circulating shares: %w", err)
	}

	now := e.now()
	perAsset := make([]domain.AssetValuation, 0, len(entries))
	total := decimal.Zero

	for _, entry := range entries {
		if !entry.Active {
			continue
		}

		quote, err := e.oracle.Price(ctx, entry.Key)
		if err != nil {
			return domain.BasketSnapshot{}, fmt.Errorf("valuation: price %s: %w", entry.Key, err)
		}
		if age := now.Sub(quote.ObservedAt); age > e.maxStaleness {
			return domain.BasketSnapshot{}, fmt.Errorf("valuation: price %s observed %s ago: %w",
				entry.Key, age.Round(time.Second), domain.ErrOracleStale)
		}

		balance := balanceByKey[entry.Key]
		value := balance.Shift(-entry.Decimals).Mul(quote.Price)

		perAsset = append(perAsset, domain.AssetValuation{
			Key:             entry.Key,
			Balance:         balance,
			Value:           value,
			TargetWeightBps: entry.TargetWeightBps,
		})
		total = total.Add(value)
	}

	// Weights are computed only over active entries, against the raw
	// configured targets: the target sum is managed externally and is not
	// assumed to equal the full scale.
	for i := range perAsset {
		actual := int64(0)
		if total.IsPositive() {
			actual = perAsset[i].Value.Mul(bpsScale).Div(total).Round(0).IntPart()
		}
		perAsset[i].ActualWeightBps = actual

		drift := actual - perAsset[i].TargetWeightBps
		if drift < 0 {
			drift = -drift
		}
		perAsset[i].DriftBps = drift
	}

	snap := domain.BasketSnapshot{
		PerAsset:          perAsset,
		TotalValue:        total,
		CirculatingShares: shares,
		TakenAt:           now,
	}
	if shares.IsPositive() {
		snap.PricePerShare = total.Div(shares)
		snap.PricePerShareDefined = true
	}

	e.logger.DebugContext(ctx, "snapshot taken",
		slog.String("total_value", total.String()),
		slog.String("circulating_shares", shares.String()),
		slog.Int64("max_drift_bps", snap.MaxDriftBps()),
	)

	return snap, nil
}
