package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrPaused                   = errors.New("vault is paused")
	ErrCooldownActive           = errors.New("cooldown active")
	ErrRedemptionAlreadyPending = errors.New("redemption already pending for account")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrSlippageExceeded         = errors.New("slippage exceeded")
	ErrOracleStale              = errors.New("oracle price stale")
	ErrValuationFailed          = errors.New("valuation failed")
	ErrPriceUndefined           = errors.New("price per share undefined")
	ErrLockHeld                 = errors.New("lock already held")
)

// CooldownError carries the remaining wait for a cooldown rejection. It
// matches ErrCooldownActive under errors.Is so callers can branch on the
// sentinel and still report remaining seconds.
type CooldownError struct {
	Kind      ActionKind
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s cooldown active: %ds remaining", e.Kind, int(e.Remaining.Seconds())+1)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}
