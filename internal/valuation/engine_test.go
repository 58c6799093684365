package valuation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rose-token/vaultd/internal/domain"
)

type ledgerStub struct {
	entries  []domain.AssetEntry
	balances []domain.AssetBalance
	shares   decimal.Decimal

	balancesErr error
	sharesErr   error
}

func (l *ledgerStub) AssetConfig(ctx context.Context) ([]domain.AssetEntry, error) {
	return l.entries, nil
}

func (l *ledgerStub) AssetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	return l.balances, l.balancesErr
}

func (l *ledgerStub) CirculatingShares(ctx context.Context) (decimal.Decimal, error) {
	return l.shares, l.sharesErr
}

func (l *ledgerStub) Burn(ctx context.Context, account string, shares decimal.Decimal) error {
	return errors.New("not implemented")
}

func (l *ledgerStub) TransferOut(ctx context.Context, assetKey string, amount decimal.Decimal, to string) error {
	return errors.New("not implemented")
}

type oracleStub struct {
	quotes map[string]domain.PriceQuote
	errs   map[string]error
}

func (o *oracleStub) Price(ctx context.Context, assetKey string) (domain.PriceQuote, error) {
	if err, ok := o.errs[assetKey]; ok {
		return domain.PriceQuote{}, err
	}
	q, ok := o.quotes[assetKey]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return q, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func newTestEngine(ledger *ledgerStub, oracle *oracleStub) *Engine {
	e := NewEngine(ledger, oracle, time.Minute, discardLogger())
	e.now = fixedNow
	return e
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSnapshotValuesAndWeights(t *testing.T) {
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "wbtc", Decimals: 8, TargetWeightBps: 6000, Active: true},
			{Key: "usdc", Decimals: 6, TargetWeightBps: 4000, Active: true},
		},
		balances: []domain.AssetBalance{
			// 7 wbtc and 300k usdc.
			{Key: "wbtc", Balance: dec("700000000")},
			{Key: "usdc", Balance: dec("300000000000")},
		},
		shares: dec("500000"),
	}
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{
		"wbtc": {Price: dec("100000"), ObservedAt: fixedNow()},
		"usdc": {Price: dec("1"), ObservedAt: fixedNow()},
	}}

	snap, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.PerAsset, 2)
	assert.True(t, snap.TotalValue.Equal(dec("1000000")))

	btc, ok := snap.Asset("wbtc")
	require.True(t, ok)
	assert.True(t, btc.Value.Equal(dec("700000")))
	assert.Equal(t, int64(7000), btc.ActualWeightBps)
	assert.Equal(t, int64(1000), btc.DriftBps)

	usd, ok := snap.Asset("usdc")
	require.True(t, ok)
	assert.Equal(t, int64(3000), usd.ActualWeightBps)
	assert.Equal(t, int64(1000), usd.DriftBps)

	assert.Equal(t, int64(1000), snap.MaxDriftBps())

	require.True(t, snap.PricePerShareDefined)
	assert.True(t, snap.PricePerShare.Equal(dec("2")))
	assert.Equal(t, fixedNow(), snap.TakenAt)
}

func TestSnapshotSkipsInactiveEntries(t *testing.T) {
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "usdc", Decimals: 6, TargetWeightBps: 10000, Active: true},
			{Key: "retired", Decimals: 18, TargetWeightBps: 0, Active: false},
		},
		balances: []domain.AssetBalance{
			{Key: "usdc", Balance: dec("1000000")},
			{Key: "retired", Balance: dec("999")},
		},
		shares: dec("1"),
	}
	// No quote for the inactive entry: it must never be priced.
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{
		"usdc": {Price: dec("1"), ObservedAt: fixedNow()},
	}}

	snap, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.PerAsset, 1)
	assert.Equal(t, "usdc", snap.PerAsset[0].Key)
}

func TestSnapshotZeroTotalValue(t *testing.T) {
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "wbtc", Decimals: 8, TargetWeightBps: 6000, Active: true},
		},
		balances: []domain.AssetBalance{},
		shares:   decimal.Zero,
	}
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{
		"wbtc": {Price: dec("100000"), ObservedAt: fixedNow()},
	}}

	snap, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.TotalValue.IsZero())
	assert.Equal(t, int64(0), snap.PerAsset[0].ActualWeightBps)
	assert.Equal(t, int64(6000), snap.PerAsset[0].DriftBps)
	assert.False(t, snap.PricePerShareDefined)
}

func TestSnapshotZeroSupplyLeavesPriceUndefined(t *testing.T) {
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "usdc", Decimals: 6, TargetWeightBps: 10000, Active: true},
		},
		balances: []domain.AssetBalance{
			{Key: "usdc", Balance: dec("5000000")},
		},
		shares: decimal.Zero,
	}
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{
		"usdc": {Price: dec("1"), ObservedAt: fixedNow()},
	}}

	snap, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.TotalValue.Equal(dec("5")))
	assert.False(t, snap.PricePerShareDefined)
	assert.True(t, snap.PricePerShare.IsZero())
}

func TestSnapshotStaleQuoteFails(t *testing.T) {
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "wbtc", Decimals: 8, TargetWeightBps: 10000, Active: true},
		},
		balances: []domain.AssetBalance{
			{Key: "wbtc", Balance: dec("100000000")},
		},
		shares: dec("1"),
	}
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{
		"wbtc": {Price: dec("100000"), ObservedAt: fixedNow().Add(-2 * time.Minute)},
	}}

	_, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOracleStale)
}

func TestSnapshotOracleFailureAborts(t *testing.T) {
	boom := errors.New("oracle unreachable")
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "usdc", Decimals: 6, TargetWeightBps: 5000, Active: true},
			{Key: "wbtc", Decimals: 8, TargetWeightBps: 5000, Active: true},
		},
		balances: []domain.AssetBalance{
			{Key: "usdc", Balance: dec("1000000")},
			{Key: "wbtc", Balance: dec("100000000")},
		},
		shares: dec("1"),
	}
	oracle := &oracleStub{
		quotes: map[string]domain.PriceQuote{
			"usdc": {Price: dec("1"), ObservedAt: fixedNow()},
		},
		errs: map[string]error{"wbtc": boom},
	}

	_, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSnapshotLedgerFailureAborts(t *testing.T) {
	boom := errors.New("ledger down")
	ledger := &ledgerStub{
		entries: []domain.AssetEntry{
			{Key: "usdc", Decimals: 6, TargetWeightBps: 10000, Active: true},
		},
		balancesErr: boom,
	}
	oracle := &oracleStub{quotes: map[string]domain.PriceQuote{}}

	_, err := newTestEngine(ledger, oracle).Snapshot(context.Background())
	assert.ErrorIs(t, err, boom)
}
