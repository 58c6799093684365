package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/guard"
	"github.com/rose-token/vaultd/internal/notify"
	"github.com/rose-token/vaultd/internal/redemption"
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
}

func (p *pauseStub) Paused(ctx context.Context) (bool, error) { return p.paused, nil }
func (p *pauseStub) SetPaused(ctx context.Context, paused bool) error {
	p.paused = paused
	return nil
}

type cooldownStub struct {
	remaining time.Duration
}

func (c *cooldownStub) Remaining(ctx context.Context, account string, kind domain.ActionKind) (time.Duration, error) {
	return c.remaining, nil
}

func (c *cooldownStub) Record(ctx context.Context, account string, kind domain.ActionKind, window time.Duration) error {
	return nil
}

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	requests map[int64]domain.RedemptionRequest
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, requests: make(map[int64]domain.RedemptionRequest)}
}

func (m *memStore) Create(ctx context.Context, account string, shares, owed decimal.Decimal) (domain.RedemptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := domain.RedemptionRequest{
		ID:                    m.nextID,
		Account:               account,
		SharesRequested:       shares,
		ReferenceCurrencyOwed: owed,
		Status:                domain.RedemptionPending,
		CreatedAt:             time.Now().UTC(),
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
	return nil, nil
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
	m.requests[id] = req
	return nil
}

func (m *memStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.RedemptionRequest, error) {
	return nil, nil
}

type snapshotterStub struct {
	snap domain.BasketSnapshot
	err  error
}

func (s *snapshotterStub) Snapshot(ctx context.Context) (domain.BasketSnapshot, error) {
	return s.snap, s.err
}

type auditStub struct{}

func (auditStub) Log(ctx context.Context, event string, payload map[string]any) error { return nil }

type ledgerStub struct{}

func (ledgerStub) AssetConfig(ctx context.Context) ([]domain.AssetEntry, error) {
	return nil, errors.New("not implemented")
}

func (ledgerStub) AssetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	return nil, errors.New("not implemented")
}

func (ledgerStub) CirculatingShares(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func (ledgerStub) Burn(ctx context.Context, account string, shares decimal.Decimal) error {
	return nil
}

func (ledgerStub) TransferOut(ctx context.Context, assetKey string, amount decimal.Decimal, to string) error {
	return nil
}

// snapshotWithReserve builds a snapshot whose cash line is worth reserve and
// whose price per share is 1.
func snapshotWithReserve(reserve string) domain.BasketSnapshot {
	cash := dec(reserve)
	return domain.BasketSnapshot{
		PerAsset: []domain.AssetValuation{
			{Key: testCash, Balance: cash, Value: cash, TargetWeightBps: 10000},
		},
		TotalValue:           cash,
		PricePerShare:        dec("1"),
		PricePerShareDefined: true,
		CirculatingShares:    cash,
		TakenAt:              time.Now().UTC(),
	}
}

type fixture struct {
	handler *RedemptionHandler
	guard   *guard.Supervisor
	service *redemption.Service
	pause   *pauseStub
	cool    *cooldownStub
	store   *memStore
	snaps   *snapshotterStub
}

func newFixture(snap domain.BasketSnapshot) *fixture {
	f := &fixture{
		pause: &pauseStub{},
		cool:  &cooldownStub{},
		store: newMemStore(),
		snaps: &snapshotterStub{snap: snap},
	}
	logger := discardLogger()
	notifier := notify.NewNotifier(nil, nil, logger)
	f.guard = guard.NewSupervisor(f.pause, f.cool, logger)
	router := redemption.NewRouter(f.guard, f.store, f.snaps, testCash, 0, logger)
	f.service = redemption.NewService(f.store, router, ledgerStub{}, f.guard, auditStub{}, notifier, time.Hour, logger)
	f.handler = NewRedemptionHandler(f.service, router, logger)
	return f
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAvailabilityInstant(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodGet,
		"/api/redemption/availability?account="+testAccount+"&shares=100", nil)
	rec := httptest.NewRecorder()
	f.handler.Availability(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["canRedeemInstantly"])
	assert.Nil(t, body["shortfall"])
}

func TestAvailabilityQueuedReportsShortfall(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodGet,
		"/api/redemption/availability?account="+testAccount+"&shares=1200000", nil)
	rec := httptest.NewRecorder()
	f.handler.Availability(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["canRedeemInstantly"])
	assert.Equal(t, "200000", body["shortfall"])
}

func TestAvailabilityValidatesInput(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodGet, "/api/redemption/availability?account=nope&shares=10", nil)
	rec := httptest.NewRecorder()
	f.handler.Availability(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet,
		"/api/redemption/availability?account="+testAccount+"&shares=-1", nil)
	rec = httptest.NewRecorder()
	f.handler.Availability(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailabilityPaused(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))
	f.pause.paused = true

	req := httptest.NewRequest(http.MethodGet,
		"/api/redemption/availability?account="+testAccount+"&shares=10", nil)
	rec := httptest.NewRecorder()
	f.handler.Availability(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAvailabilityDegradesOnValuationFailure(t *testing.T) {
	f := newFixture(domain.BasketSnapshot{})
	f.snaps.err = errors.New("oracle gap")

	req := httptest.NewRequest(http.MethodGet,
		"/api/redemption/availability?account="+testAccount+"&shares=10", nil)
	rec := httptest.NewRecorder()
	f.handler.Availability(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["canRedeemInstantly"])
	assert.Equal(t, true, body["degraded"])
}

func TestEnrollInstant(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodPost, "/api/redemption/enroll",
		strings.NewReader(`{"account":"`+testAccount+`","shares":"100"}`))
	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "instant", body["mode"])
	assert.Equal(t, "100", body["paid"])
}

func TestEnrollQueued(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodPost, "/api/redemption/enroll",
		strings.NewReader(`{"account":"`+testAccount+`","shares":"1200000"}`))
	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["mode"])
	assert.Equal(t, float64(1), body["requestId"])
	assert.Equal(t, "1200000", body["referenceCurrencyOwed"])
}

func TestEnrollSecondPendingConflicts(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	payload := `{"account":"` + testAccount + `","shares":"1200000"}`
	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, httptest.NewRequest(http.MethodPost, "/api/redemption/enroll", strings.NewReader(payload)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.Enroll(rec, httptest.NewRequest(http.MethodPost, "/api/redemption/enroll", strings.NewReader(payload)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnrollCooldownConflict(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))
	f.cool.remaining = 90 * time.Second

	req := httptest.NewRequest(http.MethodPost, "/api/redemption/enroll",
		strings.NewReader(`{"account":"`+testAccount+`","shares":"10"}`))
	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "1m30s")
}

func TestEnrollRejectsBadBody(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, httptest.NewRequest(http.MethodPost, "/api/redemption/enroll", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.Enroll(rec, httptest.NewRequest(http.MethodPost, "/api/redemption/enroll",
		strings.NewReader(`{"account":"not-an-address","shares":"10"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollValuationOutage(t *testing.T) {
	f := newFixture(domain.BasketSnapshot{})
	f.snaps.err = errors.New("oracle gap")

	req := httptest.NewRequest(http.MethodPost, "/api/redemption/enroll",
		strings.NewReader(`{"account":"`+testAccount+`","shares":"10"}`))
	rec := httptest.NewRecorder()
	f.handler.Enroll(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRequest(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))
	created, err := f.store.Create(context.Background(), testAccount, dec("10"), dec("10"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/redemption/1", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	f.handler.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(created.ID), body["requestId"])
	assert.Equal(t, testAccount, body["account"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, false, body["fulfilled"])
	assert.Nil(t, body["fulfilledAt"])
}

func TestGetRequestNotFound(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodGet, "/api/redemption/404", nil)
	req.SetPathValue("id", "404")
	rec := httptest.NewRecorder()
	f.handler.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRequestBadID(t *testing.T) {
	f := newFixture(snapshotWithReserve("1000000"))

	req := httptest.NewRequest(http.MethodGet, "/api/redemption/abc", nil)
	req.SetPathValue("id", "abc")
	rec := httptest.NewRecorder()
	f.handler.Get(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
