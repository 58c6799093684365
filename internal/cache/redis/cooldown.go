package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rose-token/vaultd/internal/domain"
)

// CooldownStore implements domain.CooldownStore using per-account keys with a
// TTL equal to the cooldown window. Expiry in Redis is the end of the window,
// so Remaining is just the key's PTTL.
type CooldownStore struct {
	rdb *redis.Client
}

// NewCooldownStore creates a CooldownStore backed by the given Client.
func NewCooldownStore(c *Client) *CooldownStore {
	return &CooldownStore{rdb: c.Underlying()}
}

func cooldownKey(account string, kind domain.ActionKind) string {
	return fmt.Sprintf("cooldown:%s:%s", kind, account)
}

// Remaining returns how long until the account may act again. A missing key
// means no cooldown is active, so it returns zero.
func (s *CooldownStore) Remaining(ctx context.Context, account string, kind domain.ActionKind) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, cooldownKey(account, kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: cooldown remaining %s/%s: %w", kind, account, err)
	}
	// PTTL returns negative durations for missing keys and keys without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Record starts a new cooldown window for the account.
func (s *CooldownStore) Record(ctx context.Context, account string, kind domain.ActionKind, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	err := s.rdb.Set(ctx, cooldownKey(account, kind), time.Now().UnixMilli(), window).Err()
	if err != nil {
		return fmt.Errorf("redis: record cooldown %s/%s: %w", kind, account, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CooldownStore = (*CooldownStore)(nil)
