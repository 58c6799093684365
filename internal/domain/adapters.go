package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AssetBalance is a ledger balance line in the asset's raw native units.
type AssetBalance struct {
	Key     string          `json:"key"`
	Balance decimal.Decimal `json:"balance"`
}

// Ledger is the external custodial ledger: the authoritative,
// strongly-consistent store of balances, share supply, and asset
// configuration. Mint/burn accounting is the ledger's own concern; this
// engine only submits operations and reads state.
type Ledger interface {
	AssetConfig(ctx context.Context) ([]AssetEntry, error)
	AssetBalances(ctx context.Context) ([]AssetBalance, error)
	CirculatingShares(ctx context.Context) (decimal.Decimal, error)

	// Burn destroys the account's shares. Payout settles separately via
	// TransferOut.
	Burn(ctx context.Context, account string, shares decimal.Decimal) error

	// TransferOut moves amount of the given asset from the vault to the
	// recipient.
	TransferOut(ctx context.Context, assetKey string, amount decimal.Decimal, to string) error
}

// PriceQuote is an oracle price observation. Staleness policy is the
// valuation engine's decision, not the client's.
type PriceQuote struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Oracle supplies reference-currency prices for basket assets.
type Oracle interface {
	Price(ctx context.Context, assetKey string) (PriceQuote, error)
}

// SwapVenue executes asset sales to source liquidity. Implementations must
// enforce amountOut >= minAmountOut or fail with ErrSlippageExceeded.
type SwapVenue interface {
	Swap(ctx context.Context, fromAsset, toAsset string, amountIn, minAmountOut decimal.Decimal, recipient string) (decimal.Decimal, error)
}
