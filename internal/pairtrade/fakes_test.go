package pairtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(id, bid, ask string) domain.Quote {
	return domain.Quote{Instrument: id, Bid: dec(bid), Ask: dec(ask), Time: time.Now()}
}

var (
	instA = domain.Instrument{ID: "A", Multiplier: 1}
	instB = domain.Instrument{ID: "B", Multiplier: 1}
)

type submitCall struct {
	Key        string
	Instrument string
	Side       domain.OrderSide
	Qty        int64
	Price      decimal.Decimal
}

// fakeGateway records calls. Cancels are confirmed through onCancel when it
// is set; onSubmit runs after a key has been assigned.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	submits   []submitCall
	cancels   []string
	failNext  int
	panicNext int

	onSubmit func(key string)
	onCancel func(key string)
}

var errVenueDown = errors.New("venue down")

func (g *fakeGateway) SubmitLimitOrder(_ context.Context, inst domain.Instrument, side domain.OrderSide, qty int64, price decimal.Decimal) (string, error) {
	g.mu.Lock()
	if g.failNext > 0 {
		g.failNext--
		g.mu.Unlock()
		return "", errVenueDown
	}
	g.seq++
	key := fmt.Sprintf("k%d", g.seq)
	g.submits = append(g.submits, submitCall{Key: key, Instrument: inst.ID, Side: side, Qty: qty, Price: price})
	hook := g.onSubmit
	g.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return key, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, key string) error {
	g.mu.Lock()
	if g.panicNext > 0 {
		g.panicNext--
		g.mu.Unlock()
		panic("broker session lost")
	}
	g.cancels = append(g.cancels, key)
	hook := g.onCancel
	g.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

func (g *fakeGateway) Submits() []submitCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]submitCall(nil), g.submits...)
}

func (g *fakeGateway) Cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancels...)
}

// fakeBus records published lifecycle events.
type fakeBus struct {
	mu        sync.Mutex
	published []domain.PairEvent
	streamed  int
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	var ev domain.PairEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == EventsChannel {
		b.published = append(b.published, ev)
	}
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream == EventsStream {
		b.streamed++
	}
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, ev := range b.published {
		out[i] = ev.Event
	}
	return out
}
