package redemption

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/guard"
	"github.com/rose-token/vaultd/internal/notify"
)

const (
	testCash    = "usdc"
	testAccount = "0x1111111111111111111111111111111111111111"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type pauseStub struct {
	paused bool
	err    error
}

func (p *pauseStub) Paused(ctx context.Context) (bool, error) { return p.paused, p.err }
func (p *pauseStub) SetPaused(ctx context.Context, paused bool) error {
	p.paused = paused
	return nil
}

type cooldownStub struct {
	remaining map[string]time.Duration
	recorded  []string
}

func (c *cooldownStub) Remaining(ctx context.Context, account string, kind domain.ActionKind) (time.Duration, error) {
	return c.remaining[account], nil
}

func (c *cooldownStub) Record(ctx context.Context, account string, kind domain.ActionKind, window time.Duration) error {
	c.recorded = append(c.recorded, account)
	return nil
}

// memStore is an in-memory RedemptionStore with the same transition rules as
// the postgres implementation.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	requests  map[int64]domain.RedemptionRequest
	createErr error

	// pendingHook, when set, runs at the top of every PendingForAccount
	// call. Tests use it to line callers up at the pending check.
	pendingHook func()
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, requests: make(map[int64]domain.RedemptionRequest)}
}

func (m *memStore) Create(ctx context.Context, account string, shares, owed decimal.Decimal) (domain.RedemptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.RedemptionRequest{}, m.createErr
	}
	for _, r := range m.requests {
		if r.Account == account && r.Status == domain.RedemptionPending {
			return domain.RedemptionRequest{}, domain.ErrRedemptionAlreadyPending
		}
	}
	req := domain.RedemptionRequest{
		ID:                    m.nextID,
		Account:               account,
		SharesRequested:       shares,
		ReferenceCurrencyOwed: owed,
		Status:                domain.RedemptionPending,
		CreatedAt:             time.Now().Add(time.Duration(m.nextID) * time.Millisecond),
	}
	m.nextID++
	m.requests[req.ID] = req
	return req, nil
}

func (m *memStore) Get(ctx context.Context, id int64) (domain.RedemptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.RedemptionRequest{}, domain.ErrNotFound
	}
	return req, nil
}

func (m *memStore) PendingForAccount(ctx context.Context, account string) (*domain.RedemptionRequest, error) {
	if m.pendingHook != nil {
		m.pendingHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Account == account && r.Status == domain.RedemptionPending {
			req := r
			return &req, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListPending(ctx context.Context) ([]domain.RedemptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RedemptionRequest
	for _, r := range m.requests {
		if r.Status == domain.RedemptionPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) MarkFulfilled(ctx context.Context, id int64) error {
	return m.transition(id, domain.RedemptionFulfilled)
}

func (m *memStore) Cancel(ctx context.Context, id int64) error {
	return m.transition(id, domain.RedemptionCancelled)
}

func (m *memStore) transition(id int64, to domain.RedemptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if req.Status != domain.RedemptionPending {
		return domain.ErrInvalidTransition
	}
	req.Status = to
	if to == domain.RedemptionFulfilled {
		now := time.Now()
		req.FulfilledAt = &now
	}
	m.requests[id] = req
	return nil
}

func (m *memStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.RedemptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RedemptionRequest
	for _, r := range m.requests {
		if r.Status != domain.RedemptionPending && r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

type snapshotterStub struct {
	snap domain.BasketSnapshot
	err  error
}

func (s *snapshotterStub) Snapshot(ctx context.Context) (domain.BasketSnapshot, error) {
	return s.snap, s.err
}

type auditStub struct {
	mu     sync.Mutex
	events []string
}

func (a *auditStub) Log(ctx context.Context, event string, payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditStub) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// testSnapshot builds a two-asset snapshot with the given cash value and
// price per share.
func testSnapshot(cashValue, pps string) domain.BasketSnapshot {
	cash := dec(cashValue)
	return domain.BasketSnapshot{
		PerAsset: []domain.AssetValuation{
			{Key: testCash, Balance: cash.Mul(dec("1000000")), Value: cash, TargetWeightBps: 4000},
			{Key: "wbtc", Balance: dec("10"), Value: dec("1000000"), TargetWeightBps: 6000},
		},
		TotalValue:           cash.Add(dec("1000000")),
		PricePerShare:        dec(pps),
		PricePerShareDefined: true,
		CirculatingShares:    cash.Add(dec("1000000")).Div(dec(pps)),
		TakenAt:              time.Now(),
	}
}

type routerFixture struct {
	router *Router
	pause  *pauseStub
	cool   *cooldownStub
	store  *memStore
	snaps  *snapshotterStub
}

func newRouterFixture(snap domain.BasketSnapshot, bufferBps int64) *routerFixture {
	f := &routerFixture{
		pause: &pauseStub{},
		cool:  &cooldownStub{remaining: map[string]time.Duration{}},
		store: newMemStore(),
		snaps: &snapshotterStub{snap: snap},
	}
	g := guard.NewSupervisor(f.pause, f.cool, discardLogger())
	f.router = NewRouter(g, f.store, f.snaps, testCash, bufferBps, discardLogger())
	return f
}

func TestUsableReserve(t *testing.T) {
	snap := testSnapshot("1000000", "1")

	// 500 bps buffer shaves 5% off the cash line.
	assert.True(t, UsableReserve(snap, testCash, 500).Equal(dec("950000")))
	assert.True(t, UsableReserve(snap, testCash, 0).Equal(dec("1000000")))
	assert.True(t, UsableReserve(snap, "missing", 500).IsZero())
}

func TestRouteInstantWhenReserveCovers(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "2"), 0)

	decision, err := f.router.Route(context.Background(), testAccount, dec("100"))
	require.NoError(t, err)

	assert.Equal(t, domain.RouteInstant, decision.Mode)
	assert.True(t, decision.ReferenceCurrencyOwed.Equal(dec("200")))
	assert.True(t, decision.Shortfall.IsZero())
}

func TestRouteQueuedWithShortfall(t *testing.T) {
	// Reserve 1,000,000 against an owed of 1,200,000.
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)

	decision, err := f.router.Route(context.Background(), testAccount, dec("1200000"))
	require.NoError(t, err)

	assert.Equal(t, domain.RouteQueued, decision.Mode)
	assert.True(t, decision.ReferenceCurrencyOwed.Equal(dec("1200000")))
	assert.True(t, decision.Shortfall.Equal(dec("200000")))
}

func TestRouteReserveBufferTipsDecision(t *testing.T) {
	// Owed 960,000 fits the raw reserve but not the buffered one.
	f := newRouterFixture(testSnapshot("1000000", "1"), 500)

	decision, err := f.router.Route(context.Background(), testAccount, dec("960000"))
	require.NoError(t, err)

	assert.Equal(t, domain.RouteQueued, decision.Mode)
	assert.True(t, decision.Shortfall.Equal(dec("10000")))
}

func TestRouteRejectsNonPositiveShares(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)

	_, err := f.router.Route(context.Background(), testAccount, decimal.Zero)
	require.Error(t, err)

	_, err = f.router.Route(context.Background(), testAccount, dec("-5"))
	require.Error(t, err)
}

func TestRoutePaused(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)
	f.pause.paused = true

	_, err := f.router.Route(context.Background(), testAccount, dec("10"))
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestRoutePauseReadFailureFailsClosed(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)
	f.pause.err = errors.New("redis down")

	_, err := f.router.Route(context.Background(), testAccount, dec("10"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPaused)
}

func TestRouteCooldownActive(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)
	f.cool.remaining[testAccount] = 30 * time.Second

	_, err := f.router.Route(context.Background(), testAccount, dec("10"))
	require.ErrorIs(t, err, domain.ErrCooldownActive)

	var cerr *domain.CooldownError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 30*time.Second, cerr.Remaining)
}

func TestRouteAlreadyPending(t *testing.T) {
	f := newRouterFixture(testSnapshot("1000000", "1"), 0)
	_, err := f.store.Create(context.Background(), testAccount, dec("10"), dec("10"))
	require.NoError(t, err)

	_, err = f.router.Route(context.Background(), testAccount, dec("10"))
	assert.ErrorIs(t, err, domain.ErrRedemptionAlreadyPending)
}

func TestRouteSnapshotFailureReturnsNoDecision(t *testing.T) {
	f := newRouterFixture(domain.BasketSnapshot{}, 0)
	boom := errors.New("oracle gap")
	f.snaps.err = boom

	_, err := f.router.Route(context.Background(), testAccount, dec("10"))
	assert.ErrorIs(t, err, boom)
}

func TestRoutePriceUndefined(t *testing.T) {
	snap := testSnapshot("1000000", "1")
	snap.PricePerShareDefined = false
	f := newRouterFixture(snap, 0)

	_, err := f.router.Route(context.Background(), testAccount, dec("10"))
	assert.ErrorIs(t, err, domain.ErrPriceUndefined)
}

func newTestNotifier() *notify.Notifier {
	return notify.NewNotifier(nil, nil, discardLogger())
}
