package redemption

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/guard"
	"github.com/rose-token/vaultd/internal/notify"
)

// Service owns the user-facing redemption operations: routing a burn to the
// instant or queued path, enrollment, lookup, and the administrative cancel
// path. Queued fulfillment is the rebalance trigger's job.
type Service struct {
	store    domain.RedemptionStore
	router   *Router
	ledger   domain.Ledger
	guard    *guard.Supervisor
	audit    domain.AuditStore
	notifier *notify.Notifier
	cooldown time.Duration
	logger   *slog.Logger

	// enrollMu serializes check-then-insert within this process. The store's
	// partial unique index closes the same race across processes.
	enrollMu sync.Mutex
}

// NewService creates a Service. cooldown is the redeem window recorded on
// every successful redemption or enrollment.
func NewService(
	store domain.RedemptionStore,
	router *Router,
	ledger domain.Ledger,
	g *guard.Supervisor,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	cooldown time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		router:   router,
		ledger:   ledger,
		guard:    g,
		audit:    audit,
		notifier: notifier,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "redemption_service")),
	}
}

// RedeemResult reports how a redemption was settled. Paid is set on the
// instant path; Request on the queued path.
type RedeemResult struct {
	Mode    domain.RouteMode
	Paid    decimal.Decimal
	Request *domain.RedemptionRequest
}

// Redeem routes and settles a share burn. The instant path burns the shares
// and pays the account from the liquid reserve in one call; the queued path
// enrolls a pending request priced at today's per-share value and burns the
// shares once the enrollment holds.
func (s *Service) Redeem(ctx context.Context, account string, shares decimal.Decimal) (RedeemResult, error) {
	decision, snap, err := s.router.route(ctx, account, shares)
	if err != nil {
		return RedeemResult{}, err
	}

	if decision.Mode == domain.RouteQueued {
		return s.redeemQueued(ctx, account, shares, decision.ReferenceCurrencyOwed)
	}

	if err := s.ledger.Burn(ctx, account, shares); err != nil {
		return RedeemResult{}, fmt.Errorf("redemption: burn %s shares for %s: %w", shares, account, err)
	}

	if decision.ReferenceCurrencyOwed.IsPositive() {
		cash, ok := snap.Asset(s.router.cashAssetKey)
		if !ok || !cash.Value.IsPositive() {
			return RedeemResult{}, fmt.Errorf("redemption: instant payout with no priced cash line for %s", s.router.cashAssetKey)
		}
		native := cash.Balance.Mul(decision.ReferenceCurrencyOwed).Div(cash.Value)
		if err := s.ledger.TransferOut(ctx, s.router.cashAssetKey, native, account); err != nil {
			return RedeemResult{}, fmt.Errorf("redemption: instant payout to %s: %w", account, err)
		}
	}

	if err := s.guard.RecordAction(ctx, account, domain.ActionRedeem, s.cooldown); err != nil {
		s.logger.WarnContext(ctx, "cooldown record failed after instant redemption",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
	}

	if err := s.audit.Log(ctx, "redemption.instant", map[string]any{
		"account": account,
		"shares":  shares.String(),
		"paid":    decision.ReferenceCurrencyOwed.String(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "instant redemption settled",
		slog.String("account", account),
		slog.String("paid", decision.ReferenceCurrencyOwed.String()),
	)

	return RedeemResult{Mode: domain.RouteInstant, Paid: decision.ReferenceCurrencyOwed}, nil
}

// redeemQueued enrolls the pending request before touching the ledger, so a
// competing redemption that loses the enrollment race is turned away with its
// shares intact. A burn failure after enrollment cancels the request again;
// the account is left exactly as it was.
func (s *Service) redeemQueued(ctx context.Context, account string, shares, owed decimal.Decimal) (RedeemResult, error) {
	req, err := s.enroll(ctx, account, shares, owed)
	if err != nil {
		return RedeemResult{}, err
	}

	if err := s.ledger.Burn(ctx, account, shares); err != nil {
		if cerr := s.store.Cancel(ctx, req.ID); cerr != nil {
			s.logger.ErrorContext(ctx, "cancel after failed burn",
				slog.Int64("request_id", req.ID),
				slog.String("account", account),
				slog.String("error", cerr.Error()),
			)
		}
		return RedeemResult{}, fmt.Errorf("redemption: burn %s shares for %s: %w", shares, account, err)
	}

	s.recordEnrollment(ctx, req)
	return RedeemResult{Mode: domain.RouteQueued, Request: &req}, nil
}

// Enroll creates a pending request for the account. The payout is fixed here,
// at enrollment time, and is never re-priced during the wait.
func (s *Service) Enroll(ctx context.Context, account string, shares, owed decimal.Decimal) (domain.RedemptionRequest, error) {
	req, err := s.enroll(ctx, account, shares, owed)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	s.recordEnrollment(ctx, req)
	return req, nil
}

// enroll validates, checks the pause flag, and creates the pending row. The
// one-pending-per-account invariant is re-checked here (not just in the
// router) to close the race between the route decision and enrollment.
func (s *Service) enroll(ctx context.Context, account string, shares, owed decimal.Decimal) (domain.RedemptionRequest, error) {
	if !shares.IsPositive() || !owed.IsPositive() {
		return domain.RedemptionRequest{}, fmt.Errorf("redemption: enroll amounts must be positive (shares=%s owed=%s)", shares, owed)
	}

	if err := s.guard.CheckPause(ctx); err != nil {
		return domain.RedemptionRequest{}, err
	}

	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	pending, err := s.store.PendingForAccount(ctx, account)
	if err != nil {
		return domain.RedemptionRequest{}, fmt.Errorf("redemption: pending lookup for %s: %w", account, err)
	}
	if pending != nil {
		return domain.RedemptionRequest{}, domain.ErrRedemptionAlreadyPending
	}

	req, err := s.store.Create(ctx, account, shares, owed)
	if err != nil {
		return domain.RedemptionRequest{}, fmt.Errorf("redemption: enroll %s: %w", account, err)
	}
	return req, nil
}

// recordEnrollment applies the post-enrollment side effects: cooldown, audit
// trail, operator alert.
func (s *Service) recordEnrollment(ctx context.Context, req domain.RedemptionRequest) {
	account := req.Account

	if err := s.guard.RecordAction(ctx, account, domain.ActionRedeem, s.cooldown); err != nil {
		// The request is already durable; a cooldown write failure must not
		// fail the enrollment.
		s.logger.WarnContext(ctx, "cooldown record failed after enroll",
			slog.Int64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.audit.Log(ctx, "redemption.enrolled", map[string]any{
		"request_id": req.ID,
		"account":    account,
		"shares":     req.SharesRequested.String(),
		"owed":       req.ReferenceCurrencyOwed.String(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	_ = s.notifier.Notify(ctx, "redemption_queued", "Redemption queued",
		fmt.Sprintf("request %d: account %s queued for %s", req.ID, account, req.ReferenceCurrencyOwed.String()))

	s.logger.InfoContext(ctx, "redemption enrolled",
		slog.Int64("request_id", req.ID),
		slog.String("account", account),
		slog.String("owed", req.ReferenceCurrencyOwed.String()),
	)
}

// Get returns the request with the given id, or domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (domain.RedemptionRequest, error) {
	return s.store.Get(ctx, id)
}

// GetPendingForAccount returns the account's pending request, nil when none.
func (s *Service) GetPendingForAccount(ctx context.Context, account string) (*domain.RedemptionRequest, error) {
	return s.store.PendingForAccount(ctx, account)
}

// Cancel is the administrative escape hatch for a stuck pending request. It
// fails with domain.ErrInvalidTransition when the request is not pending.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return fmt.Errorf("redemption: cancel %d: %w", id, err)
	}

	if err := s.audit.Log(ctx, "redemption.cancelled", map[string]any{
		"request_id": id,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "redemption cancelled", slog.Int64("request_id", id))
	return nil
}
