package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rose-token/vaultd/internal/domain"
)

// releaseScript deletes a lock key only when its stored token matches the
// token presented by the caller, so a holder whose lease expired cannot
// release a lock that has since been re-acquired by someone else.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const releaseTimeout = 5 * time.Second

// LockManager serializes the settlement cycle across vaultd instances. A
// lease is a SETNX key holding a random token with a TTL, released via
// releaseScript.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire takes a lease on the named lock for at most ttl. It returns an
// idempotent release function on success and domain.ErrLockHeld when another
// instance currently holds the lease.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := "lock:" + name
	token := uuid.New().String()

	ok, err := lm.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var done bool
	return func() {
		if done {
			return
		}
		done = true

		// The caller's context may already be cancelled when the cycle
		// finishes, so release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		_ = lm.release.Run(rctx, lm.rdb, []string{key}, token).Err()
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
