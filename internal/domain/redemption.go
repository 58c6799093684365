package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RedemptionStatus represents the lifecycle state of a queued redemption.
// The only legal transitions are pending -> fulfilled and pending -> cancelled;
// both are terminal.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

// RedemptionRequest is a queued redemption awaiting asynchronous fulfillment.
//
// ReferenceCurrencyOwed is fixed at enrollment time and paid verbatim at
// fulfillment; the waiting user is not exposed to basket drift. Requests are
// never deleted, only status-transitioned, so the table doubles as an audit
// trail.
type RedemptionRequest struct {
	ID                    int64            `json:"id"`
	Account               string           `json:"account"`
	SharesRequested       decimal.Decimal  `json:"shares_requested"`
	ReferenceCurrencyOwed decimal.Decimal  `json:"reference_currency_owed"`
	Status                RedemptionStatus `json:"status"`
	CreatedAt             time.Time        `json:"created_at"`
	FulfilledAt           *time.Time       `json:"fulfilled_at,omitempty"`
}

// RouteMode says how a redemption should be executed.
type RouteMode string

const (
	// RouteInstant means liquid reserve covers the payout; the caller burns
	// shares synchronously against the ledger.
	RouteInstant RouteMode = "instant"
	// RouteQueued means the payout exceeds liquid reserve; the caller must
	// enroll in the redemption queue and poll for fulfillment.
	RouteQueued RouteMode = "queued"
)

// RouteDecision is the router's advisory answer for a requested redemption.
// Shortfall is zero for instant routes.
type RouteDecision struct {
	Mode                  RouteMode       `json:"mode"`
	ReferenceCurrencyOwed decimal.Decimal `json:"reference_currency_owed"`
	Shortfall             decimal.Decimal `json:"shortfall"`
}
