// Package gateway holds execution gateway decorators shared by every venue
// binding.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// LocalLocks is an in-process domain.LockManager. Held keys expire after their
// TTL so a holder that never unlocks cannot wedge an instrument forever.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token   string
	expires time.Time
}

// NewLocalLocks creates an empty LocalLocks.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{
		held: make(map[string]localLock),
		now:  time.Now,
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld if another holder
// has it and the hold has not expired.
func (l *LocalLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.New().String()
	l.held[key] = localLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// only the current holder may release
			if cur, ok := l.held[key]; ok && cur.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LocalLocks)(nil)
