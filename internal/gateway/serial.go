package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

const (
	defaultLockTTL   = 10 * time.Second
	defaultLockRetry = 20 * time.Millisecond
	earlyKeyTTL      = time.Minute
)

// Serialized decorates an ExecutionGateway so that submit and cancel calls on
// the same instrument never overlap, whichever pair order issues them. The
// lock is taken through a domain.LockManager, which is in-process by default
// and Redis-backed when several engines share one account.
type Serialized struct {
	inner  domain.ExecutionGateway
	locks  domain.LockManager
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	keyInst map[string]string    // leg key -> instrument id
	early   map[string]time.Time // terminal before their submit returned
}

// NewSerialized wraps inner. A ttl of zero uses 10s.
func NewSerialized(inner domain.ExecutionGateway, locks domain.LockManager, ttl time.Duration, logger *slog.Logger) *Serialized {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Serialized{
		inner:   inner,
		locks:   locks,
		ttl:     ttl,
		retry:   defaultLockRetry,
		logger:  logger.With(slog.String("component", "serial_gateway")),
		now:     time.Now,
		keyInst: make(map[string]string),
		early:   make(map[string]time.Time),
	}
}

func lockName(instrument string) string {
	return "instrument:" + instrument
}

// SubmitLimitOrder places the order while holding the instrument lock.
func (s *Serialized) SubmitLimitOrder(ctx context.Context, inst domain.Instrument, side domain.OrderSide, qty int64, price decimal.Decimal) (string, error) {
	unlock, err := s.acquire(ctx, inst.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	key, err := s.inner.SubmitLimitOrder(ctx, inst, side, qty, price)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// the venue may have filled or rejected the order before returning
	if _, ok := s.early[key]; ok {
		delete(s.early, key)
	} else {
		s.keyInst[key] = inst.ID
	}
	s.pruneEarlyLocked()
	return key, nil
}

// CancelOrder cancels key while holding its instrument's lock. Keys this
// decorator did not submit are passed through unlocked.
func (s *Serialized) CancelOrder(ctx context.Context, key string) error {
	s.mu.Lock()
	instrument, ok := s.keyInst[key]
	s.mu.Unlock()
	if !ok {
		return s.inner.CancelOrder(ctx, key)
	}

	unlock, err := s.acquire(ctx, instrument)
	if err != nil {
		return err
	}
	defer unlock()
	return s.inner.CancelOrder(ctx, key)
}

// acquire retries while the lock is held by someone else.
func (s *Serialized) acquire(ctx context.Context, instrument string) (func(), error) {
	for {
		unlock, err := s.locks.Acquire(ctx, lockName(instrument), s.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("gateway: lock %s: %w", instrument, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gateway: lock %s: %w", instrument, ctx.Err())
		case <-time.After(s.retry):
		}
	}
}

// Listener returns an ExecutionListener that forwards to next and forgets
// keys once their order is terminal.
func (s *Serialized) Listener(next domain.ExecutionListener) domain.ExecutionListener {
	return &forgettingListener{s: s, next: next}
}

// forget drops a terminal key. A key not tracked yet is remembered so the
// submit still in flight for it does not start tracking it.
func (s *Serialized) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyInst[key]; ok {
		delete(s.keyInst, key)
		return
	}
	s.early[key] = s.now()
}

// pruneEarlyLocked drops remembered keys whose submit never came back, such
// as orders placed around this decorator.
func (s *Serialized) pruneEarlyLocked() {
	cutoff := s.now().Add(-earlyKeyTTL)
	for key, at := range s.early {
		if at.Before(cutoff) {
			delete(s.early, key)
		}
	}
}

// Tracked returns how many submitted keys are still being tracked.
func (s *Serialized) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keyInst)
}

type forgettingListener struct {
	s    *Serialized
	next domain.ExecutionListener
}

func (f *forgettingListener) OnFill(ev domain.FillEvent) {
	f.next.OnFill(ev)
	if ev.Status == domain.LegStatusFilled {
		f.s.forget(ev.Key)
	}
}

func (f *forgettingListener) OnCancelConfirmed(key string) {
	f.next.OnCancelConfirmed(key)
	f.s.forget(key)
}

func (f *forgettingListener) OnReject(key, reason string) {
	f.next.OnReject(key, reason)
	f.s.forget(key)
}

var _ domain.ExecutionGateway = (*Serialized)(nil)
