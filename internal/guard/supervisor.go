// Package guard gates mutating vault operations on the global pause flag and
// per-account cooldown windows.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rose-token/vaultd/internal/domain"
)

// Supervisor is a set of pure guard checks consulted by the redemption
// router and the deposit path. Reads never reject on their own; only a
// stale-vs-now comparison or the pause flag does.
type Supervisor struct {
	pause     domain.PauseStore
	cooldowns domain.CooldownStore
	logger    *slog.Logger
}

// NewSupervisor creates a Supervisor over the given pause and cooldown
// stores.
func NewSupervisor(pause domain.PauseStore, cooldowns domain.CooldownStore, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		pause:     pause,
		cooldowns: cooldowns,
		logger:    logger.With(slog.String("component", "guard")),
	}
}

// CheckPause returns domain.ErrPaused when the vault is paused. A failure to
// read the flag fails closed: mutation is blocked until the flag is readable
// again.
func (s *Supervisor) CheckPause(ctx context.Context) error {
	paused, err := s.pause.Paused(ctx)
	if err != nil {
		return fmt.Errorf("guard: read pause flag: %w", err)
	}
	if paused {
		return domain.ErrPaused
	}
	return nil
}

// SetPaused flips the global pause flag. Operator path only.
func (s *Supervisor) SetPaused(ctx context.Context, paused bool) error {
	if err := s.pause.SetPaused(ctx, paused); err != nil {
		return fmt.Errorf("guard: set pause flag: %w", err)
	}
	s.logger.InfoContext(ctx, "pause flag changed", slog.Bool("paused", paused))
	return nil
}

// CheckCooldown returns a domain.CooldownError (matching
// domain.ErrCooldownActive) when the account's window for the given action
// kind has not elapsed.
func (s *Supervisor) CheckCooldown(ctx context.Context, account string, kind domain.ActionKind) error {
	remaining, err := s.cooldowns.Remaining(ctx, account, kind)
	if err != nil {
		return fmt.Errorf("guard: read cooldown %s/%s: %w", account, kind, err)
	}
	if remaining > 0 {
		return &domain.CooldownError{Kind: kind, Remaining: remaining}
	}
	return nil
}

// RecordAction starts a fresh cooldown window for the account. Called after
// every successful deposit or redeem; it is the supervisor's only write.
func (s *Supervisor) RecordAction(ctx context.Context, account string, kind domain.ActionKind, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	if err := s.cooldowns.Record(ctx, account, kind, window); err != nil {
		return fmt.Errorf("guard: record cooldown %s/%s: %w", account, kind, err)
	}
	return nil
}
