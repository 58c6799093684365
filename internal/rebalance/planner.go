// Package rebalance runs the periodic settlement cycle: it sells over-weight
// basket assets to restore target weights and to raise cash for queued
// redemptions, then fulfills pending requests oldest-first.
package rebalance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
)

// proportionalTrimFactor scales the excess sold during a drift-only
// rebalance. With no queued liability there is no urgency, so only half of
// each asset's excess is trimmed per cycle.
var proportionalTrimFactor = decimal.NewFromFloat(0.5)

// SaleLeg is one planned sale: AmountIn native units of FromAsset, expected
// to raise roughly SellValue reference currency.
type SaleLeg struct {
	FromAsset string
	AmountIn  decimal.Decimal
	SellValue decimal.Decimal
}

// PlanSales decides which assets to sell this cycle.
//
// With a queued liability exceeding the usable reserve, it sells greedily
// from the most over-weight assets first (that both reduces drift and raises
// cash), spilling into a proportional draw across the remaining non-cash
// assets if trimming every asset to target still leaves a deficit. With no
// liability it performs a smaller proportional trim, and only when the
// snapshot's max drift exceeds driftThresholdBps.
func PlanSales(snap domain.BasketSnapshot, cashAssetKey string, liability, usableReserve decimal.Decimal, driftThresholdBps int64) []SaleLeg {
	deficit := liability.Sub(usableReserve)

	if deficit.IsPositive() {
		return planLiabilitySales(snap, cashAssetKey, deficit)
	}
	if snap.MaxDriftBps() > driftThresholdBps {
		return planDriftTrim(snap, cashAssetKey)
	}
	return nil
}

// saleCandidate pairs an asset line with its signed weight excess.
type saleCandidate struct {
	line        domain.AssetValuation
	excessValue decimal.Decimal // value above target share, may be negative
	signedDrift int64           // actualWeightBps - targetWeightBps
}

func candidates(snap domain.BasketSnapshot, cashAssetKey string) []saleCandidate {
	scale := decimal.NewFromInt(domain.WeightScale)
	out := make([]saleCandidate, 0, len(snap.PerAsset))
	for _, line := range snap.PerAsset {
		if line.Key == cashAssetKey {
			continue
		}
		targetValue := snap.TotalValue.Mul(decimal.NewFromInt(line.TargetWeightBps)).Div(scale)
		out = append(out, saleCandidate{
			line:        line,
			excessValue: line.Value.Sub(targetValue),
			signedDrift: line.ActualWeightBps - line.TargetWeightBps,
		})
	}
	// Largest positive drift first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].signedDrift > out[j].signedDrift
	})
	return out
}

func planLiabilitySales(snap domain.BasketSnapshot, cashAssetKey string, deficit decimal.Decimal) []SaleLeg {
	cands := candidates(snap, cashAssetKey)
	var legs []SaleLeg

	// First pass: trim over-weight assets down toward target.
	remaining := deficit
	sold := make(map[string]decimal.Decimal, len(cands))
	for _, c := range cands {
		if !remaining.IsPositive() {
			break
		}
		if !c.excessValue.IsPositive() {
			break // sorted, no over-weight assets left
		}
		sell := decimal.Min(c.excessValue, remaining)
		if leg, ok := makeLeg(c.line, sell); ok {
			legs = append(legs, leg)
			sold[c.line.Key] = sell
			remaining = remaining.Sub(sell)
		}
	}

	// Second pass: the target-weight trim did not cover the liability, so
	// draw the rest proportionally across what is left of the non-cash book.
	if remaining.IsPositive() {
		available := decimal.Zero
		for _, c := range cands {
			available = available.Add(c.line.Value.Sub(sold[c.line.Key]))
		}
		if available.IsPositive() {
			draw := decimal.Min(remaining, available)
			for _, c := range cands {
				left := c.line.Value.Sub(sold[c.line.Key])
				if !left.IsPositive() {
					continue
				}
				sell := draw.Mul(left).Div(available)
				prior := sold[c.line.Key]
				leg, ok := makeLeg(c.line, prior.Add(sell))
				if !ok {
					continue
				}
				if prior.IsPositive() {
					// Fold into the existing leg for this asset.
					for j := range legs {
						if legs[j].FromAsset == c.line.Key {
							legs[j] = leg
							break
						}
					}
				} else {
					legs = append(legs, leg)
				}
			}
		}
	}

	return legs
}

func planDriftTrim(snap domain.BasketSnapshot, cashAssetKey string) []SaleLeg {
	var legs []SaleLeg
	for _, c := range candidates(snap, cashAssetKey) {
		if !c.excessValue.IsPositive() {
			break
		}
		sell := c.excessValue.Mul(proportionalTrimFactor)
		if leg, ok := makeLeg(c.line, sell); ok {
			legs = append(legs, leg)
		}
	}
	return legs
}

// makeLeg converts a sale value into native units using the asset line's own
// balance-to-value ratio. Returns false for zero-value lines or dust.
func makeLeg(line domain.AssetValuation, sellValue decimal.Decimal) (SaleLeg, bool) {
	if !sellValue.IsPositive() || !line.Value.IsPositive() {
		return SaleLeg{}, false
	}
	if sellValue.GreaterThan(line.Value) {
		sellValue = line.Value
	}
	amountIn := line.Balance.Mul(sellValue).Div(line.Value)
	if !amountIn.IsPositive() {
		return SaleLeg{}, false
	}
	return SaleLeg{
		FromAsset: line.Key,
		AmountIn:  amountIn,
		SellValue: sellValue,
	}, true
}
