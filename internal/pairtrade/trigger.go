package pairtrade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// Trigger watches the quotes of one pair order's instruments and submits the
// two primary legs on the first tick where the spread satisfies the target.
// It fires at most once; it is disarmed before submission regardless of the
// outcome.
type Trigger struct {
	po            *PairOrder
	quotes        domain.QuoteSource
	gateway       domain.ExecutionGateway
	submitTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger

	// disarm unsubscribes the trigger from the quote book.
	disarm func()
	// fired is called after the primary legs are recorded.
	fired func(po *PairOrder, legs [2]domain.Leg)

	mu    sync.Mutex
	armed bool
}

func newTrigger(
	po *PairOrder,
	quotes domain.QuoteSource,
	gateway domain.ExecutionGateway,
	submitTimeout time.Duration,
	now func() time.Time,
	disarm func(),
	fired func(po *PairOrder, legs [2]domain.Leg),
	logger *slog.Logger,
) *Trigger {
	return &Trigger{
		po:            po,
		quotes:        quotes,
		gateway:       gateway,
		submitTimeout: submitTimeout,
		now:           now,
		disarm:        disarm,
		fired:         fired,
		logger:        logger.With(slog.String("pair_id", po.ID())),
		armed:         true,
	}
}

// Spread computes the current spread for a pair direction from the latest
// quotes: leg1 is priced on the side it would trade at, leg2 on the mirrored
// side. For a BUY pair that is ask(leg1) - bid(leg2).
func Spread(direction domain.OrderSide, q1, q2 domain.Quote) (spread, price1, price2 decimal.Decimal) {
	price1 = q1.Take(direction)
	price2 = q2.Take(direction.Opposite())
	return price1.Sub(price2), price1, price2
}

// Qualifies reports whether spread satisfies target for direction: BUY pairs
// fire at or below the target, SELL pairs at or above it.
func Qualifies(direction domain.OrderSide, spread, target decimal.Decimal) bool {
	if direction == domain.OrderSideBuy {
		return spread.LessThanOrEqual(target)
	}
	return spread.GreaterThanOrEqual(target)
}

// OnQuote evaluates the spread condition. It is registered as the quote book
// handler for both instruments.
func (t *Trigger) OnQuote(_ domain.Quote) {
	t.evaluate()
}

// Armed reports whether the trigger can still fire.
func (t *Trigger) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Disarm stops the trigger without firing. It returns false if the trigger
// already fired or was disarmed.
func (t *Trigger) Disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	t.armed = false
	t.disarm()
	return true
}

func (t *Trigger) evaluate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}

	req := t.po.Request()
	q1, ok1 := t.quotes.Latest(req.Leg1.ID)
	q2, ok2 := t.quotes.Latest(req.Leg2.ID)
	if !ok1 || !ok2 {
		return
	}

	spread, price1, price2 := Spread(req.Direction, q1, q2)
	if !Qualifies(req.Direction, spread, req.TargetSpread) {
		return
	}

	t.armed = false
	t.disarm()

	t.logger.Info("spread condition met, submitting pair",
		slog.String("spread", spread.String()),
		slog.String("target", req.TargetSpread.String()),
		slog.String("direction", string(req.Direction)),
	)

	// Both legs go out before the lock is released, so no other evaluation of
	// this pair order can interleave.
	legs := [2]domain.Leg{
		t.submit(req.Leg1, req.Direction, req.Quantity, price1),
		t.submit(req.Leg2, req.Direction.Opposite(), req.Quantity, price2),
	}

	if err := t.po.initialize(t.now(), legs); err != nil {
		t.logger.Error("initialize pair order failed", slog.String("error", err.Error()))
		return
	}
	if t.fired != nil {
		t.fired(t.po, legs)
	}
}

// submit places one primary leg. A gateway error yields a rejected leg with a
// local key so the pair order still holds exactly two primary legs.
func (t *Trigger) submit(inst domain.Instrument, side domain.OrderSide, qty int64, price decimal.Decimal) domain.Leg {
	ctx, cancel := context.WithTimeout(context.Background(), t.submitTimeout)
	defer cancel()

	leg := domain.Leg{
		Instrument:  inst,
		Side:        side,
		LimitPrice:  price,
		Quantity:    qty,
		Status:      domain.LegStatusSubmitted,
		Origin:      domain.LegOriginPrimary,
		SubmittedAt: t.now(),
	}
	key, err := t.gateway.SubmitLimitOrder(ctx, inst, side, qty, price)
	if err != nil {
		t.logger.Error("primary leg submission failed",
			slog.String("instrument", inst.ID),
			slog.String("side", string(side)),
			slog.String("error", err.Error()),
		)
		leg.Key = "rejected-" + uuid.New().String()
		leg.Status = domain.LegStatusRejected
		leg.Reason = err.Error()
		return leg
	}
	leg.Key = key
	return leg
}
