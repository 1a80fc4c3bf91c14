// Package paper implements a simulated execution gateway. Limit orders rest
// in memory and fill against the quote book when their price crosses the
// touch. Callbacks are delivered one at a time from a single event loop.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// Config tunes the simulation.
type Config struct {
	// MaxFillPerQuote caps the quantity filled per matching pass; 0 fills the
	// whole remaining quantity at once.
	MaxFillPerQuote int64
}

type order struct {
	key        string
	instrument string
	side       domain.OrderSide
	price      decimal.Decimal
	qty        int64
	filled     int64
	status     domain.LegStatus
}

// Gateway is an in-memory domain.ExecutionGateway.
type Gateway struct {
	cfg    Config
	quotes domain.QuoteSource
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	orders   map[string]*order
	listener domain.ExecutionListener

	qmu    sync.Mutex
	queue  []func(domain.ExecutionListener)
	notify chan struct{}
}

// New creates a paper Gateway that matches against quotes.
func New(cfg Config, quotes domain.QuoteSource, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		quotes: quotes,
		logger: logger.With(slog.String("component", "paper_gateway")),
		now:    func() time.Time { return time.Now().UTC() },
		orders: make(map[string]*order),
		notify: make(chan struct{}, 1),
	}
}

// Attach sets the listener callbacks are delivered to.
func (g *Gateway) Attach(l domain.ExecutionListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listener = l
}

// Run delivers queued callbacks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.notify:
		}
		for {
			g.qmu.Lock()
			batch := g.queue
			g.queue = nil
			g.qmu.Unlock()
			if len(batch) == 0 {
				break
			}

			g.mu.Lock()
			l := g.listener
			g.mu.Unlock()
			if l == nil {
				g.logger.Warn("no listener attached, dropping callbacks", slog.Int("count", len(batch)))
				continue
			}
			for _, deliver := range batch {
				deliver(l)
			}
		}
	}
}

func (g *Gateway) enqueue(deliver func(domain.ExecutionListener)) {
	g.qmu.Lock()
	g.queue = append(g.queue, deliver)
	g.qmu.Unlock()
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// SubmitLimitOrder rests an order and matches it immediately against the
// latest quote. Invalid orders get a key and an asynchronous rejection.
func (g *Gateway) SubmitLimitOrder(_ context.Context, inst domain.Instrument, side domain.OrderSide, qty int64, price decimal.Decimal) (string, error) {
	key := uuid.New().String()

	var reason string
	switch {
	case inst.ID == "":
		reason = "missing instrument"
	case !side.Valid():
		reason = fmt.Sprintf("invalid side %q", side)
	case qty <= 0:
		reason = "quantity must be positive"
	case !price.IsPositive():
		reason = "limit price must be positive"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if reason != "" {
		g.orders[key] = &order{key: key, instrument: inst.ID, side: side, price: price, qty: qty, status: domain.LegStatusRejected}
		g.enqueue(func(l domain.ExecutionListener) { l.OnReject(key, reason) })
		g.logger.Info("order rejected", slog.String("key", key), slog.String("reason", reason))
		return key, nil
	}

	o := &order{key: key, instrument: inst.ID, side: side, price: price, qty: qty, status: domain.LegStatusSubmitted}
	g.orders[key] = o
	g.logger.Debug("order accepted",
		slog.String("key", key),
		slog.String("instrument", inst.ID),
		slog.String("side", string(side)),
		slog.Int64("qty", qty),
		slog.String("price", price.String()),
	)
	if q, ok := g.quotes.Latest(inst.ID); ok {
		g.matchLocked(o, q)
	}
	return key, nil
}

// CancelOrder cancels a working order and queues the confirmation. Cancelling
// a terminal order is a no-op.
func (g *Gateway) CancelOrder(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[key]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", key, domain.ErrNotFound)
	}
	if !o.status.Active() {
		return nil
	}
	o.status = domain.LegStatusCancelled
	g.enqueue(func(l domain.ExecutionListener) { l.OnCancelConfirmed(key) })
	return nil
}

// OnQuote matches working orders on q's instrument against q.
func (g *Gateway) OnQuote(q domain.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.instrument == q.Instrument && o.status.Active() {
			g.matchLocked(o, q)
		}
	}
}

// matchLocked fills o at the touch when its limit crosses it: a buy at or
// above the ask, a sell at or below the bid.
func (g *Gateway) matchLocked(o *order, q domain.Quote) {
	touch := q.Take(o.side)
	if touch.IsZero() {
		return
	}
	crosses := o.price.GreaterThanOrEqual(touch)
	if o.side == domain.OrderSideSell {
		crosses = o.price.LessThanOrEqual(touch)
	}
	if !crosses {
		return
	}

	delta := o.qty - o.filled
	if g.cfg.MaxFillPerQuote > 0 && delta > g.cfg.MaxFillPerQuote {
		delta = g.cfg.MaxFillPerQuote
	}
	o.filled += delta
	o.status = domain.LegStatusPartiallyFilled
	if o.filled == o.qty {
		o.status = domain.LegStatusFilled
	}

	ev := domain.FillEvent{
		Key:        o.key,
		Delta:      delta,
		Cumulative: o.filled,
		Status:     o.status,
		Price:      touch,
		Time:       g.now(),
	}
	g.enqueue(func(l domain.ExecutionListener) { l.OnFill(ev) })
}

// Order returns the simulated state of key.
func (g *Gateway) Order(key string) (status domain.LegStatus, filled int64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[key]
	if !ok {
		return "", 0, false
	}
	return o.status, o.filled, true
}

var _ domain.ExecutionGateway = (*Gateway)(nil)
