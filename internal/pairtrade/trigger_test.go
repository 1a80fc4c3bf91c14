package pairtrade

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

type firedRecorder struct {
	mu    sync.Mutex
	count int
	legs  [2]domain.Leg
}

func (f *firedRecorder) fired(_ *PairOrder, legs [2]domain.Leg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.legs = legs
}

func newTestTrigger(req domain.PairRequest, book *QuoteBook, gw domain.ExecutionGateway) (*Trigger, *PairOrder, *firedRecorder, *int) {
	po := newPairOrder("p1", req, time.Now(), book)
	rec := &firedRecorder{}
	disarms := 0
	t := newTrigger(po, book, gw, time.Second, time.Now, func() { disarms++ }, rec.fired, discardLogger())
	return t, po, rec, &disarms
}

func TestSpread(t *testing.T) {
	qa := quote("A", "9.5", "10")
	qb := quote("B", "8.5", "9")

	spread, p1, p2 := Spread(domain.OrderSideBuy, qa, qb)
	assert.True(t, spread.Equal(dec("1.5")))
	assert.True(t, p1.Equal(dec("10")))
	assert.True(t, p2.Equal(dec("8.5")))

	spread, p1, p2 = Spread(domain.OrderSideSell, qa, qb)
	assert.True(t, spread.Equal(dec("0.5")))
	assert.True(t, p1.Equal(dec("9.5")))
	assert.True(t, p2.Equal(dec("9")))
}

func TestQualifies(t *testing.T) {
	tests := []struct {
		name   string
		dir    domain.OrderSide
		spread string
		want   bool
	}{
		{"buy below target", domain.OrderSideBuy, "1.5", true},
		{"buy at target", domain.OrderSideBuy, "2", true},
		{"buy above target", domain.OrderSideBuy, "2.01", false},
		{"sell above target", domain.OrderSideSell, "2.5", true},
		{"sell at target", domain.OrderSideSell, "2", true},
		{"sell below target", domain.OrderSideSell, "1.99", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Qualifies(tt.dir, dec(tt.spread), dec("2")))
		})
	}
}

func TestTrigger_BuyPairFiresOnQualifyingSpread(t *testing.T) {
	book := NewQuoteBook()
	gw := &fakeGateway{}
	trig, po, rec, disarms := newTestTrigger(testRequest(), book, gw)

	book.OnQuote(quote("A", "9.5", "10.0"))
	trig.OnQuote(quote("A", "9.5", "10.0"))
	assert.Empty(t, gw.Submits(), "one instrument quoted: not armable yet")
	assert.True(t, trig.Armed())

	book.OnQuote(quote("B", "8.5", "9"))
	trig.OnQuote(quote("B", "8.5", "9"))

	subs := gw.Submits()
	require.Len(t, subs, 2)
	assert.Equal(t, submitCall{Key: "k1", Instrument: "A", Side: domain.OrderSideBuy, Qty: 1, Price: subs[0].Price}, subs[0])
	assert.True(t, subs[0].Price.Equal(dec("10")))
	assert.Equal(t, submitCall{Key: "k2", Instrument: "B", Side: domain.OrderSideSell, Qty: 1, Price: subs[1].Price}, subs[1])
	assert.True(t, subs[1].Price.Equal(dec("8.5")))

	assert.False(t, trig.Armed())
	assert.Equal(t, 1, *disarms)
	assert.Equal(t, 1, rec.count)
	assert.Equal(t, domain.PairStateInitialized, po.State())
	assert.Len(t, po.Legs(), 2)
	_, ok := po.InitTime()
	assert.True(t, ok)
}

func TestTrigger_NonQualifyingSpreadStaysArmed(t *testing.T) {
	book := NewQuoteBook()
	gw := &fakeGateway{}
	trig, po, _, _ := newTestTrigger(testRequest(), book, gw)

	book.OnQuote(quote("A", "10.5", "11"))
	book.OnQuote(quote("B", "8.5", "9"))
	trig.OnQuote(quote("B", "8.5", "9"))

	assert.Empty(t, gw.Submits())
	assert.True(t, trig.Armed())
	assert.Equal(t, domain.PairStateArmed, po.State())
}

func TestTrigger_SellPairUsesMirroredSides(t *testing.T) {
	req := testRequest()
	req.Direction = domain.OrderSideSell
	req.TargetSpread = dec("1")
	req.Quantity = 3

	book := NewQuoteBook()
	gw := &fakeGateway{}
	trig, _, _, _ := newTestTrigger(req, book, gw)

	book.OnQuote(quote("A", "10", "10.5"))
	book.OnQuote(quote("B", "8.5", "9"))
	trig.OnQuote(quote("B", "8.5", "9"))

	subs := gw.Submits()
	require.Len(t, subs, 2)
	assert.Equal(t, domain.OrderSideSell, subs[0].Side)
	assert.True(t, subs[0].Price.Equal(dec("10")))
	assert.Equal(t, domain.OrderSideBuy, subs[1].Side)
	assert.True(t, subs[1].Price.Equal(dec("9")))
	assert.Equal(t, int64(3), subs[1].Qty)
}

func TestTrigger_FiresAtMostOnce(t *testing.T) {
	book := NewQuoteBook()
	gw := &fakeGateway{}
	trig, _, rec, disarms := newTestTrigger(testRequest(), book, gw)

	book.OnQuote(quote("A", "9.5", "10"))
	book.OnQuote(quote("B", "8.5", "9"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trig.OnQuote(quote("A", "9.5", "10"))
		}()
	}
	wg.Wait()

	assert.Len(t, gw.Submits(), 2)
	assert.Equal(t, 1, rec.count)
	assert.Equal(t, 1, *disarms)
}

func TestTrigger_SubmissionFailureStillInitializes(t *testing.T) {
	book := NewQuoteBook()
	gw := &fakeGateway{failNext: 1}
	trig, po, rec, _ := newTestTrigger(testRequest(), book, gw)

	book.OnQuote(quote("A", "9.5", "10"))
	book.OnQuote(quote("B", "8.5", "9"))
	trig.OnQuote(quote("B", "8.5", "9"))

	assert.False(t, trig.Armed())
	require.Equal(t, 1, rec.count)
	legs := po.Legs()
	require.Len(t, legs, 2)
	assert.Equal(t, domain.LegStatusRejected, legs[0].Status)
	assert.True(t, strings.HasPrefix(legs[0].Key, "rejected-"))
	assert.Equal(t, errVenueDown.Error(), legs[0].Reason)
	assert.Equal(t, domain.LegStatusSubmitted, legs[1].Status)
	assert.Equal(t, domain.PairStateInitialized, po.State())

	trig.OnQuote(quote("B", "8.5", "9"))
	assert.Len(t, gw.Submits(), 1)
}

func TestTrigger_DisarmBeforeFire(t *testing.T) {
	book := NewQuoteBook()
	gw := &fakeGateway{}
	trig, _, rec, disarms := newTestTrigger(testRequest(), book, gw)

	assert.True(t, trig.Disarm())
	assert.False(t, trig.Disarm())

	book.OnQuote(quote("A", "9.5", "10"))
	book.OnQuote(quote("B", "8.5", "9"))
	trig.OnQuote(quote("B", "8.5", "9"))

	assert.Empty(t, gw.Submits())
	assert.Equal(t, 0, rec.count)
	assert.Equal(t, 1, *disarms)
}
