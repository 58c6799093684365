package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rose-token/vaultd/internal/domain"
)

const pauseKey = "vault:paused"

// PauseStore implements domain.PauseStore with a single Redis key so every
// process sees the same flag. The key has no TTL; a pause outlives restarts
// and stays in force until an operator lifts it.
type PauseStore struct {
	rdb *redis.Client
}

// NewPauseStore creates a PauseStore backed by the given Client.
func NewPauseStore(c *Client) *PauseStore {
	return &PauseStore{rdb: c.Underlying()}
}

// Paused reports whether the vault is paused. A missing key means not paused;
// any other read failure is returned so callers can fail closed.
func (s *PauseStore) Paused(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, pauseKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: read pause flag: %w", err)
	}
	return val == "1", nil
}

// SetPaused writes the pause flag.
func (s *PauseStore) SetPaused(ctx context.Context, paused bool) error {
	val := "0"
	if paused {
		val = "1"
	}
	if err := s.rdb.Set(ctx, pauseKey, val, 0).Err(); err != nil {
		return fmt.Errorf("redis: set pause flag: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PauseStore = (*PauseStore)(nil)
