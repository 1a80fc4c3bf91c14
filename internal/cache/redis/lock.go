package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// unlockLua deletes a lock key only while it still holds the caller's token,
// so an expired holder cannot release a lock someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked Lua unlock. Engines sharing one venue account point at the
// same Redis so their order calls on an instrument never interleave.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	// releaseTimeout bounds the unlock round trip.
	releaseTimeout time.Duration
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:            c.Underlying(),
		unlockSc:       redis.NewScript(unlockLua),
		releaseTimeout: 5 * time.Second,
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock named key for at most ttl. It returns
// domain.ErrLockHeld while another holder owns it. The returned unlock
// function is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// the caller's ctx may already be done when it unlocks
			uctx, cancel := context.WithTimeout(context.Background(), lm.releaseTimeout)
			defer cancel()
			_ = lm.unlockSc.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
