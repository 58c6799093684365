package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// RedemptionStore is the durable, ordered store of redemption requests.
// Implementations must enforce the one-pending-request-per-account invariant
// at the storage level so it holds even across racing processes.
type RedemptionStore interface {
	// Create persists a new pending request with the next monotonic id. It
	// returns ErrRedemptionAlreadyPending when the account already has a
	// pending request.
	Create(ctx context.Context, account string, shares, owed decimal.Decimal) (RedemptionRequest, error)

	// Get returns the request with the given id, or ErrNotFound.
	Get(ctx context.Context, id int64) (RedemptionRequest, error)

	// PendingForAccount returns the account's pending request, or nil when
	// the account has none.
	PendingForAccount(ctx context.Context, account string) (*RedemptionRequest, error)

	// ListPending returns all pending requests ordered by created_at
	// ascending (FIFO fulfillment order).
	ListPending(ctx context.Context) ([]RedemptionRequest, error)

	// MarkFulfilled transitions a pending request to fulfilled and stamps
	// FulfilledAt. Any other starting status fails ErrInvalidTransition.
	MarkFulfilled(ctx context.Context, id int64) error

	// Cancel transitions a pending request to cancelled. Any other starting
	// status fails ErrInvalidTransition.
	Cancel(ctx context.Context, id int64) error

	// ListTerminalBefore returns fulfilled and cancelled requests created
	// strictly before the cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]RedemptionRequest, error)
}

// AuditStore records operationally significant events in an append-only log.
type AuditStore interface {
	Log(ctx context.Context, event string, payload map[string]any) error
}

// PauseStore holds the global pause flag. Every mutating operation reads it
// first; only the operator path writes it.
type PauseStore interface {
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
}

// ActionKind distinguishes the two cooldown-gated user actions.
type ActionKind string

const (
	ActionDeposit ActionKind = "deposit"
	ActionRedeem  ActionKind = "redeem"
)

// CooldownStore tracks per-account next-allowed timestamps for deposit and
// redeem actions.
type CooldownStore interface {
	// Remaining returns how long until the account may act again; zero when
	// no cooldown is active.
	Remaining(ctx context.Context, account string, kind ActionKind) (time.Duration, error)

	// Record starts a new cooldown window for the account.
	Record(ctx context.Context, account string, kind ActionKind, window time.Duration) error
}

// RateLimiter throttles requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed mutual exclusion. Acquire returns an
// unlock function on success, or ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SnapshotCache holds the most recent basket snapshot for the display
// endpoint. Routing and rebalancing never read it; they always take a fresh
// snapshot.
type SnapshotCache interface {
	Get(ctx context.Context) (*BasketSnapshot, error)
	Set(ctx context.Context, snap BasketSnapshot) error
}

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}
