package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WeightScale is the basis-point scale used for all weight and drift
// arithmetic: 10000 bps == 100%.
const WeightScale = 10000

// AssetEntry is one basket constituent as configured on the ledger. The sum
// of target weights over active entries is managed externally and must never
// be assumed to equal WeightScale.
type AssetEntry struct {
	Key             string `json:"key"`
	TokenRef        string `json:"token_ref"`
	Decimals        int32  `json:"decimals"`
	TargetWeightBps int64  `json:"target_weight_bps"`
	Active          bool   `json:"active"`
}

// AssetValuation is the valued view of a single active basket entry inside a
// BasketSnapshot.
type AssetValuation struct {
	Key             string          `json:"key"`
	Balance         decimal.Decimal `json:"balance"` // raw native units
	Value           decimal.Decimal `json:"value"`   // reference currency
	TargetWeightBps int64           `json:"target_weight_bps"`
	ActualWeightBps int64           `json:"actual_weight_bps"`
	DriftBps        int64           `json:"drift_bps"`
}

// BasketSnapshot is a point-in-time valuation of the whole basket. It is
// recomputed on every call, never persisted, and immutable once returned.
//
// PricePerShareDefined is false at genesis (zero circulating shares); callers
// must not price redemptions against an undefined PricePerShare.
type BasketSnapshot struct {
	PerAsset             []AssetValuation `json:"per_asset"`
	TotalValue           decimal.Decimal  `json:"total_value"`
	PricePerShare        decimal.Decimal  `json:"price_per_share"`
	PricePerShareDefined bool             `json:"price_per_share_defined"`
	CirculatingShares    decimal.Decimal  `json:"circulating_shares"`
	TakenAt              time.Time        `json:"taken_at"`
}

// Asset returns the valuation line for the given asset key.
func (s BasketSnapshot) Asset(key string) (AssetValuation, bool) {
	for _, a := range s.PerAsset {
		if a.Key == key {
			return a, true
		}
	}
	return AssetValuation{}, false
}

// MaxDriftBps returns the largest absolute drift across all assets in the
// snapshot, zero for an empty basket.
func (s BasketSnapshot) MaxDriftBps() int64 {
	var max int64
	for _, a := range s.PerAsset {
		if a.DriftBps > max {
			max = a.DriftBps
		}
	}
	return max
}
