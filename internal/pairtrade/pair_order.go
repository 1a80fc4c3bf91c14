package pairtrade

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// PairOrder is the aggregate root of one pair trade. All of its legs live in
// a single append-only slice tagged by origin; the first two entries are the
// primary legs. Every mutation happens under mu, which serializes gateway
// callbacks, the trigger and the unwind policy for this pair order.
type PairOrder struct {
	id        string
	req       domain.PairRequest
	createdAt time.Time
	quotes    domain.QuoteSource

	mu         sync.Mutex
	state      domain.PairState
	initTime   time.Time
	legs       []*domain.Leg
	byKey      map[string]*domain.Leg
	cancelWait map[string]chan struct{}
	iterations int
	finishedAt time.Time
	reason     domain.FinishReason
	allFilled  bool

	initCh      chan struct{}
	allFilledCh chan struct{}
	doneCh      chan struct{}
}

func newPairOrder(id string, req domain.PairRequest, now time.Time, quotes domain.QuoteSource) *PairOrder {
	return &PairOrder{
		id:          id,
		req:         req,
		createdAt:   now,
		quotes:      quotes,
		state:       domain.PairStateArmed,
		byKey:       make(map[string]*domain.Leg),
		cancelWait:  make(map[string]chan struct{}),
		initCh:      make(chan struct{}),
		allFilledCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the pair order identifier.
func (p *PairOrder) ID() string { return p.id }

// Request returns the request the pair order was created from.
func (p *PairOrder) Request() domain.PairRequest { return p.req }

// Initialized is closed once the primary legs have been submitted.
func (p *PairOrder) Initialized() <-chan struct{} { return p.initCh }

// AllFilled is closed the first time every tracked leg reports Filled.
func (p *PairOrder) AllFilled() <-chan struct{} { return p.allFilledCh }

// Done is closed when the pair order reaches Finished.
func (p *PairOrder) Done() <-chan struct{} { return p.doneCh }

// State returns the current lifecycle state.
func (p *PairOrder) State() domain.PairState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InitTime returns the moment the primary legs were submitted.
func (p *PairOrder) InitTime() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initTime, !p.initTime.IsZero()
}

// ExpireTime returns InitTime + Tolerance.
func (p *PairOrder) ExpireTime() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initTime.IsZero() {
		return time.Time{}, false
	}
	return p.initTime.Add(p.req.Tolerance), true
}

// IsExpired reports whether now is past the expire time.
func (p *PairOrder) IsExpired(now time.Time) bool {
	exp, ok := p.ExpireTime()
	return ok && now.After(exp)
}

// IsFinished reports whether the pair order reached Finished.
func (p *PairOrder) IsFinished() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

// initialize records the two primary legs and the init time. It succeeds at
// most once.
func (p *PairOrder) initialize(now time.Time, primary [2]domain.Leg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CanAdvance(domain.PairStateInitialized) || !p.initTime.IsZero() {
		return fmt.Errorf("pairtrade: initialize %s from %s: %w", p.id, p.state, domain.ErrIllegalTransition)
	}
	for i := range primary {
		leg := primary[i]
		leg.Origin = domain.LegOriginPrimary
		p.appendLocked(&leg)
	}
	p.initTime = now
	p.state = domain.PairStateInitialized
	close(p.initCh)
	return nil
}

// advance moves the state forward to next.
func (p *PairOrder) advance(next domain.PairState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CanAdvance(next) {
		return fmt.Errorf("pairtrade: %s %s -> %s: %w", p.id, p.state, next, domain.ErrIllegalTransition)
	}
	p.state = next
	return nil
}

// finish moves the pair order to Finished. It returns false if it was
// already finished.
func (p *PairOrder) finish(now time.Time, reason domain.FinishReason) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PairStateFinished {
		return false
	}
	p.state = domain.PairStateFinished
	p.finishedAt = now
	p.reason = reason
	for key, ch := range p.cancelWait {
		close(ch)
		delete(p.cancelWait, key)
	}
	close(p.doneCh)
	return true
}

func (p *PairOrder) appendLocked(leg *domain.Leg) {
	p.legs = append(p.legs, leg)
	if leg.Key != "" {
		p.byKey[leg.Key] = leg
	}
}

// addUnwindLeg registers an order submitted by the unwind policy.
func (p *PairOrder) addUnwindLeg(leg domain.Leg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PairStateFinished {
		return domain.ErrAlreadyFinished
	}
	leg.Origin = domain.LegOriginUnwind
	p.appendLocked(&leg)
	return nil
}

// applyFill updates the leg named by ev.Key. Fills that neither advance the
// cumulative quantity nor change the status are dropped as duplicates. It
// returns true when the event changed the leg.
func (p *PairOrder) applyFill(ev domain.FillEvent) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PairStateFinished {
		return false, domain.ErrAlreadyFinished
	}
	leg, ok := p.byKey[ev.Key]
	if !ok {
		return false, domain.ErrUnknownLeg
	}

	status := ev.Status
	if status == "" {
		status = domain.LegStatusPartiallyFilled
		if ev.Cumulative >= leg.Quantity {
			status = domain.LegStatusFilled
		}
	}
	if ev.Cumulative < leg.FilledQuantity || (ev.Cumulative == leg.FilledQuantity && status == leg.Status) {
		return false, nil
	}

	leg.FilledQuantity = ev.Cumulative
	switch {
	case status == domain.LegStatusFilled:
		leg.Status = domain.LegStatusFilled
	case leg.Status.Terminal():
		// a late partial fill on a cancelled leg keeps the terminal status
	default:
		leg.Status = status
	}
	if leg.Status.Terminal() {
		p.releaseCancelLocked(leg.Key)
	}
	p.checkAllFilledLocked()
	return true, nil
}

// applyCancel marks a leg cancelled after the gateway confirmed it.
func (p *PairOrder) applyCancel(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PairStateFinished {
		return domain.ErrAlreadyFinished
	}
	leg, ok := p.byKey[key]
	if !ok {
		return domain.ErrUnknownLeg
	}
	if leg.Status.Active() {
		leg.Status = domain.LegStatusCancelled
	}
	p.releaseCancelLocked(key)
	return nil
}

// applyReject marks a leg rejected. A rejected leg never fills.
func (p *PairOrder) applyReject(key, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PairStateFinished {
		return domain.ErrAlreadyFinished
	}
	leg, ok := p.byKey[key]
	if !ok {
		return domain.ErrUnknownLeg
	}
	if leg.Status.Active() {
		leg.Status = domain.LegStatusRejected
		leg.Reason = reason
	}
	p.releaseCancelLocked(key)
	return nil
}

// cancelWaiter returns a channel closed once the leg is cancelled or has
// otherwise become terminal. For legs already terminal the channel is closed.
func (p *PairOrder) cancelWaiter(key string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.cancelWait[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	leg, ok := p.byKey[key]
	if !ok || leg.Status.Terminal() || p.state == domain.PairStateFinished {
		close(ch)
		return ch
	}
	p.cancelWait[key] = ch
	return ch
}

func (p *PairOrder) releaseCancelLocked(key string) {
	if ch, ok := p.cancelWait[key]; ok {
		close(ch)
		delete(p.cancelWait, key)
	}
}

func (p *PairOrder) checkAllFilledLocked() {
	if p.allFilled || len(p.legs) < 2 {
		return
	}
	for _, l := range p.legs {
		if l.Status != domain.LegStatusFilled {
			return
		}
	}
	p.allFilled = true
	close(p.allFilledCh)
}

// Leg returns a copy of the leg with the given key.
func (p *PairOrder) Leg(key string) (domain.Leg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.byKey[key]
	if !ok {
		return domain.Leg{}, false
	}
	return *l, true
}

// Legs returns copies of all legs in submission order.
func (p *PairOrder) Legs() []domain.Leg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.legsLocked()
}

func (p *PairOrder) legsLocked() []domain.Leg {
	out := make([]domain.Leg, len(p.legs))
	for i, l := range p.legs {
		out[i] = *l
	}
	return out
}

// ActiveLegs returns copies of legs still working at the gateway.
func (p *PairOrder) ActiveLegs() []domain.Leg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Leg
	for _, l := range p.legs {
		if l.Status.Active() {
			out = append(out, *l)
		}
	}
	return out
}

// lastLegWithSide returns the most recently submitted leg on side.
func (p *PairOrder) lastLegWithSide(side domain.OrderSide) (domain.Leg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.legs) - 1; i >= 0; i-- {
		if p.legs[i].Side == side {
			return *p.legs[i], true
		}
	}
	return domain.Leg{}, false
}

// NetExposure returns filled BUY quantity minus filled SELL quantity across
// all legs.
func (p *PairOrder) NetExposure() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return netExposure(p.legs)
}

func netExposure(legs []*domain.Leg) int64 {
	var net int64
	for _, l := range legs {
		net += l.SignedFilled()
	}
	return net
}

// Exposure returns the net exposure and the mark-to-market PnL of all filled
// quantity. Each leg contributes (touch - limit) * filled * multiplier, where
// touch is the bid for BUY legs and the ask for SELL legs.
func (p *PairOrder) Exposure() (int64, decimal.Decimal, error) {
	p.mu.Lock()
	legs := p.legsLocked()
	p.mu.Unlock()
	return exposure(legs, p.quotes)
}

func exposure(legs []domain.Leg, quotes domain.QuoteSource) (int64, decimal.Decimal, error) {
	var net int64
	for _, l := range legs {
		net += l.SignedFilled()
	}
	pnl := decimal.Zero
	for _, l := range legs {
		if l.FilledQuantity == 0 {
			continue
		}
		q, ok := quotes.Latest(l.Instrument.ID)
		if !ok {
			return net, pnl, fmt.Errorf("pairtrade: mark %s: %w", l.Instrument.ID, domain.ErrNoQuote)
		}
		diff := q.Touch(l.Side).Sub(l.LimitPrice)
		pnl = pnl.Add(diff.
			Mul(decimal.NewFromInt(l.FilledQuantity)).
			Mul(decimal.NewFromInt(l.Instrument.Multiplier)))
	}
	return net, pnl, nil
}

func (p *PairOrder) incIterations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterations++
	return p.iterations
}

// Snapshot returns a point-in-time copy of the pair order. PnL is zero when
// a filled leg has no quote to mark against.
func (p *PairOrder) Snapshot() domain.PairOrderSnapshot {
	p.mu.Lock()
	snap := domain.PairOrderSnapshot{
		ID:               p.id,
		Request:          p.req,
		State:            p.state,
		CreatedAt:        p.createdAt,
		FinishReason:     p.reason,
		Legs:             p.legsLocked(),
		UnwindIterations: p.iterations,
	}
	if !p.initTime.IsZero() {
		init := p.initTime
		exp := init.Add(p.req.Tolerance)
		snap.InitTime = &init
		snap.ExpireTime = &exp
	}
	if !p.finishedAt.IsZero() {
		fin := p.finishedAt
		snap.FinishedAt = &fin
	}
	p.mu.Unlock()

	net, pnl, err := exposure(snap.Legs, p.quotes)
	snap.NetExposure = net
	if err == nil {
		snap.PnL = pnl
	}
	return snap
}

func (p *PairOrder) String() string {
	return fmt.Sprintf("PairOrder(%s %s/%s spread=%s dir=%s)",
		p.id, p.req.Leg1.ID, p.req.Leg2.ID, p.req.TargetSpread, p.req.Direction)
}
