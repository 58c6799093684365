package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/redemption"
)

// RedemptionHandler serves the redemption endpoints: availability, enroll,
// and request lookup.
type RedemptionHandler struct {
	service *redemption.Service
	router  *redemption.Router
	logger  *slog.Logger
}

// NewRedemptionHandler creates a RedemptionHandler.
func NewRedemptionHandler(service *redemption.Service, router *redemption.Router, logger *slog.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		service: service,
		router:  router,
		logger:  logHandler(logger, "redemption"),
	}
}

// Availability reports whether a redemption of the given size would settle
// instantly. When valuation is unavailable the endpoint degrades to an
// optimistic answer rather than blocking the UI; the actual enroll call
// re-checks everything.
// GET /api/redemption/availability?account=&shares=
func (h *RedemptionHandler) Availability(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if !validAccount(account) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	shares, err := decimal.NewFromString(r.URL.Query().Get("shares"))
	if err != nil || !shares.IsPositive() {
		writeError(w, http.StatusBadRequest, "shares must be a positive decimal")
		return
	}

	decision, err := h.router.Route(r.Context(), account, shares)
	if err != nil {
		if status, msg, ok := redemptionErrorStatus(err); ok {
			writeError(w, status, msg)
			return
		}

		h.logger.WarnContext(r.Context(), "availability degraded",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"canRedeemInstantly": true,
			"degraded":           true,
		})
		return
	}

	resp := map[string]any{
		"canRedeemInstantly":    decision.Mode == domain.RouteInstant,
		"referenceCurrencyOwed": decision.ReferenceCurrencyOwed,
		"shortfall":             nil,
	}
	if decision.Mode == domain.RouteQueued {
		resp["shortfall"] = decision.Shortfall
	}
	writeJSON(w, http.StatusOK, resp)
}

type enrollRequest struct {
	Account string          `json:"account"`
	Shares  decimal.Decimal `json:"shares"`
}

// Enroll routes and settles a redemption: instant payout when the reserve
// covers it, otherwise a queued request.
// POST /api/redemption/enroll
func (h *RedemptionHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validAccount(req.Account) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	if !req.Shares.IsPositive() {
		writeError(w, http.StatusBadRequest, "shares must be a positive decimal")
		return
	}

	result, err := h.service.Redeem(r.Context(), req.Account, req.Shares)
	if err != nil {
		if status, msg, ok := redemptionErrorStatus(err); ok {
			writeError(w, status, msg)
			return
		}
		h.logger.ErrorContext(r.Context(), "redeem failed",
			slog.String("account", req.Account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "redemption temporarily unavailable")
		return
	}

	if result.Mode == domain.RouteInstant {
		writeJSON(w, http.StatusOK, map[string]any{
			"mode": result.Mode,
			"paid": result.Paid,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"mode":                  result.Mode,
		"requestId":             result.Request.ID,
		"referenceCurrencyOwed": result.Request.ReferenceCurrencyOwed,
	})
}

// Get returns the state of a single redemption request.
// GET /api/redemption/{id}
func (h *RedemptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "redemption request not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get request failed",
			slog.Int64("request_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var fulfilledAt *string
	if req.FulfilledAt != nil {
		s := req.FulfilledAt.UTC().Format(time.RFC3339)
		fulfilledAt = &s
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":             req.ID,
		"account":               req.Account,
		"sharesRequested":       req.SharesRequested,
		"referenceCurrencyOwed": req.ReferenceCurrencyOwed,
		"status":                req.Status,
		"fulfilled":             req.Status == domain.RedemptionFulfilled,
		"fulfilledAt":           fulfilledAt,
		"createdAt":             req.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// redemptionErrorStatus maps the redemption sentinel errors to HTTP statuses.
// The boolean is false for errors that are not part of the redemption
// taxonomy (valuation and infrastructure failures).
func redemptionErrorStatus(err error) (int, string, bool) {
	var cooldownErr *domain.CooldownError
	switch {
	case errors.Is(err, domain.ErrPaused):
		return http.StatusConflict, "vault is paused", true
	case errors.As(err, &cooldownErr):
		return http.StatusTooManyRequests,
			"cooldown active, retry in " + cooldownErr.Remaining.Round(time.Second).String(), true
	case errors.Is(err, domain.ErrCooldownActive):
		return http.StatusTooManyRequests, "cooldown active", true
	case errors.Is(err, domain.ErrRedemptionAlreadyPending):
		return http.StatusConflict, "a redemption request is already pending for this account", true
	case errors.Is(err, domain.ErrPriceUndefined):
		return http.StatusConflict, "share price is undefined (no circulating shares)", true
	default:
		return 0, "", false
	}
}
