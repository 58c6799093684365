package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rose-token/vaultd/internal/domain"
)

const snapshotKey = "vault:snapshot:latest"

// SnapshotCache implements domain.SnapshotCache by storing the latest basket
// snapshot as JSON under a TTL. Only the display endpoints read it; routing
// and rebalancing always value the basket fresh.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache with the given entry TTL.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

// Get returns the cached snapshot, or nil when none is cached.
func (s *SnapshotCache) Get(ctx context.Context) (*domain.BasketSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get snapshot: %w", err)
	}

	var snap domain.BasketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("redis: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Set stores the snapshot, replacing any previous entry.
func (s *SnapshotCache) Set(ctx context.Context, snap domain.BasketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
