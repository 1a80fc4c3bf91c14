package pairtrade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/metrics"
)

// Action is the corrective step chosen for one unwind iteration.
type Action string

const (
	// ActionCloseOut locks in a positive mark-to-market: every working leg is
	// cancelled and its filled quantity closed on the opposite side. Exposure
	// held by legs that were already terminal is requoted.
	ActionCloseOut Action = "close_out"
	// ActionFlatten cancels working legs of a pair order with no open exposure.
	ActionFlatten Action = "flatten"
	// ActionRequote cancels working legs and re-submits the net exposure on the
	// side that offsets it.
	ActionRequote Action = "requote"
)

// Decide maps (net, pnl) to exactly one action. A positive PnL takes
// priority over a flat position; everything else requotes.
func Decide(net int64, pnl decimal.Decimal) Action {
	switch {
	case pnl.IsPositive():
		return ActionCloseOut
	case net == 0:
		return ActionFlatten
	default:
		return ActionRequote
	}
}

// binder registers a newly submitted leg key with its owning pair order so
// gateway callbacks for the key are routed to it.
type binder func(key string, po *PairOrder)

// UnwindPolicy executes one unwind iteration at a time for a pair order whose
// tolerance window expired.
type UnwindPolicy struct {
	gateway       domain.ExecutionGateway
	quotes        domain.QuoteSource
	bind          binder
	cancelTimeout time.Duration
	submitTimeout time.Duration
	now           func() time.Time
	metrics       *metrics.Recorder
	logger        *slog.Logger
}

// Step runs one iteration. done reports that the pair order can be finished
// with reason. An error leaves the pair order untouched for the next
// iteration.
func (u *UnwindPolicy) Step(ctx context.Context, po *PairOrder) (done bool, reason domain.FinishReason, err error) {
	iter := po.incIterations()
	net, pnl, err := po.Exposure()
	if err != nil {
		return false, "", fmt.Errorf("pairtrade: unwind %s: %w", po.ID(), err)
	}
	action := Decide(net, pnl)
	u.metrics.UnwindIteration(string(action))
	u.metrics.NetExposure(po.ID(), net)

	log := u.logger.With(slog.String("pair_id", po.ID()), slog.Int("iteration", iter))
	log.Info("unwind iteration",
		slog.Int64("net", net),
		slog.String("pnl", pnl.String()),
		slog.String("action", string(action)),
	)

	switch action {
	case ActionCloseOut:
		return u.closeOut(ctx, po, log)
	case ActionFlatten:
		return u.flatten(ctx, po, log)
	default:
		return u.requote(ctx, po, log)
	}
}

// closeOut cancels every working leg and, once a cancel is confirmed, closes
// the leg's filled quantity on the opposite side. Legs that filled instead of
// cancelling get no closing order. The pair order finishes closed_out only
// when the closing orders offset the whole position; exposure left on legs
// that were already terminal is requoted and the loop goes on.
func (u *UnwindPolicy) closeOut(ctx context.Context, po *PairOrder, log *slog.Logger) (bool, domain.FinishReason, error) {
	complete := true
	var closing []domain.Leg
	for _, leg := range po.ActiveLegs() {
		if !u.cancelAndAwait(ctx, po, leg.Key) {
			log.Warn("cancel not confirmed, close out deferred", slog.String("key", leg.Key))
			complete = false
			continue
		}
		// re-read: fills may have landed while the cancel was in flight
		cur, _ := po.Leg(leg.Key)
		if cur.Status != domain.LegStatusCancelled || cur.FilledQuantity == 0 {
			continue
		}
		placed, err := u.submit(ctx, po, cur.Instrument, cur.Side.Opposite(), cur.FilledQuantity)
		if err != nil {
			return false, "", err
		}
		closing = append(closing, placed)
	}
	if !complete {
		return false, "", nil
	}
	if isSignalled(po.AllFilled()) {
		return true, domain.FinishAllFilled, nil
	}

	residual := po.NetExposure()
	for _, l := range closing {
		if cur, ok := po.Leg(l.Key); ok {
			residual += cur.SignedOpen()
		}
	}
	switch {
	case residual != 0:
		log.Info("close out leaves exposure on terminal legs", slog.Int64("residual", residual))
		return false, "", u.offset(ctx, po, residual)
	case len(closing) > 0:
		return true, domain.FinishClosedOut, nil
	default:
		return true, domain.FinishFlat, nil
	}
}

func (u *UnwindPolicy) flatten(ctx context.Context, po *PairOrder, log *slog.Logger) (bool, domain.FinishReason, error) {
	if !u.cancelActive(ctx, po, log) {
		return false, "", nil
	}
	if isSignalled(po.AllFilled()) {
		return true, domain.FinishAllFilled, nil
	}
	// a working leg may have filled before its cancel landed
	if net := po.NetExposure(); net != 0 {
		log.Info("exposure reopened while flattening", slog.Int64("net", net))
		return false, "", nil
	}
	return true, domain.FinishFlat, nil
}

// requote cancels every working leg and then submits a single replacement
// for the whole net exposure, however many legs were cancelled.
func (u *UnwindPolicy) requote(ctx context.Context, po *PairOrder, log *slog.Logger) (bool, domain.FinishReason, error) {
	if !u.cancelActive(ctx, po, log) {
		return false, "", nil
	}
	if isSignalled(po.AllFilled()) {
		return true, domain.FinishAllFilled, nil
	}
	net := po.NetExposure()
	if net == 0 {
		return true, domain.FinishFlat, nil
	}
	return false, "", u.offset(ctx, po, net)
}

// offset submits one order sized |net| on the side that reduces net, on the
// contract that was supposed to carry that side.
func (u *UnwindPolicy) offset(ctx context.Context, po *PairOrder, net int64) error {
	side := domain.OrderSideSell
	qty := net
	if net < 0 {
		side = domain.OrderSideBuy
		qty = -net
	}
	ref, ok := po.lastLegWithSide(side)
	if !ok {
		legs := po.Legs()
		ref = legs[len(legs)-1]
	}
	_, err := u.submit(ctx, po, ref.Instrument, side, qty)
	return err
}

func isSignalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// cancelActive cancels every working leg and reports whether all of them
// confirmed.
func (u *UnwindPolicy) cancelActive(ctx context.Context, po *PairOrder, log *slog.Logger) bool {
	ok := true
	for _, leg := range po.ActiveLegs() {
		if !u.cancelAndAwait(ctx, po, leg.Key) {
			log.Warn("cancel not confirmed", slog.String("key", leg.Key))
			ok = false
		}
	}
	return ok
}

// cancelAndAwait requests a cancel and blocks until the leg is terminal, the
// cancel timeout elapses or ctx is done. Cancelling an already terminal leg
// returns true immediately.
func (u *UnwindPolicy) cancelAndAwait(ctx context.Context, po *PairOrder, key string) bool {
	wait := po.cancelWaiter(key)
	select {
	case <-wait:
		return true
	default:
	}

	cctx, cancel := context.WithTimeout(ctx, u.cancelTimeout)
	defer cancel()
	if err := u.gateway.CancelOrder(cctx, key); err != nil {
		u.logger.Warn("cancel order failed",
			slog.String("pair_id", po.ID()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	select {
	case <-wait:
		return true
	case <-cctx.Done():
		return false
	}
}

// submit places an unwind order at the price an aggressive order on side
// pays and registers it with the pair order.
func (u *UnwindPolicy) submit(ctx context.Context, po *PairOrder, inst domain.Instrument, side domain.OrderSide, qty int64) (domain.Leg, error) {
	q, ok := u.quotes.Latest(inst.ID)
	if !ok {
		return domain.Leg{}, fmt.Errorf("pairtrade: unwind submit %s: %w", inst.ID, domain.ErrNoQuote)
	}
	price := q.Take(side)

	sctx, cancel := context.WithTimeout(ctx, u.submitTimeout)
	defer cancel()
	key, err := u.gateway.SubmitLimitOrder(sctx, inst, side, qty, price)
	if err != nil {
		return domain.Leg{}, fmt.Errorf("pairtrade: unwind submit %s %s %d: %w", inst.ID, side, qty, err)
	}

	leg := domain.Leg{
		Key:         key,
		Instrument:  inst,
		Side:        side,
		LimitPrice:  price,
		Quantity:    qty,
		Status:      domain.LegStatusSubmitted,
		Origin:      domain.LegOriginUnwind,
		SubmittedAt: u.now(),
	}
	if err := po.addUnwindLeg(leg); err != nil {
		return domain.Leg{}, err
	}
	u.bind(key, po)
	u.metrics.LegSubmitted(string(domain.LegOriginUnwind), string(side))
	u.logger.Info("unwind order submitted",
		slog.String("pair_id", po.ID()),
		slog.String("key", key),
		slog.String("instrument", inst.ID),
		slog.String("side", string(side)),
		slog.Int64("qty", qty),
		slog.String("price", price.String()),
	)
	return leg, nil
}
