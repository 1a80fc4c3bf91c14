package pairtrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

func testRequest() domain.PairRequest {
	return domain.PairRequest{
		Leg1:         instA,
		Leg2:         instB,
		TargetSpread: dec("2.0"),
		Direction:    domain.OrderSideBuy,
		Quantity:     1,
		Tolerance:    30 * time.Second,
	}
}

func primaryLegs(qty int64) [2]domain.Leg {
	return [2]domain.Leg{
		{Key: "a1", Instrument: instA, Side: domain.OrderSideBuy, LimitPrice: dec("10"), Quantity: qty, Status: domain.LegStatusSubmitted},
		{Key: "b1", Instrument: instB, Side: domain.OrderSideSell, LimitPrice: dec("8.5"), Quantity: qty, Status: domain.LegStatusSubmitted},
	}
}

// initializedOrder returns a pair order in Running with two working primary
// legs of qty each.
func initializedOrder(t *testing.T, quotes domain.QuoteSource, qty int64) *PairOrder {
	t.Helper()
	req := testRequest()
	req.Quantity = qty
	po := newPairOrder("p1", req, time.Now(), quotes)
	require.NoError(t, po.initialize(time.Now(), primaryLegs(qty)))
	require.NoError(t, po.advance(domain.PairStateRunning))
	return po
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPairOrder_InitializeOnce(t *testing.T) {
	po := newPairOrder("p1", testRequest(), time.Now(), NewQuoteBook())
	assert.Equal(t, domain.PairStateArmed, po.State())
	assert.Empty(t, po.Legs())
	_, ok := po.InitTime()
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, po.initialize(now, primaryLegs(1)))
	assert.True(t, isClosed(po.Initialized()))
	assert.Equal(t, domain.PairStateInitialized, po.State())

	exp, ok := po.ExpireTime()
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), exp)

	err := po.initialize(now.Add(time.Second), primaryLegs(1))
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	snap := po.Snapshot()
	assert.Len(t, snap.PrimaryLegs(), 2)
	assert.Empty(t, snap.UnwindLegs())
	assert.Equal(t, now, *snap.InitTime)
}

func TestPairOrder_StateOnlyMovesForward(t *testing.T) {
	po := newPairOrder("p1", testRequest(), time.Now(), NewQuoteBook())
	assert.ErrorIs(t, po.advance(domain.PairStateRunning), domain.ErrIllegalTransition)
	assert.ErrorIs(t, po.advance(domain.PairStateUnwinding), domain.ErrIllegalTransition)

	require.NoError(t, po.initialize(time.Now(), primaryLegs(1)))
	require.NoError(t, po.advance(domain.PairStateRunning))
	assert.ErrorIs(t, po.advance(domain.PairStateInitialized), domain.ErrIllegalTransition)
	require.NoError(t, po.advance(domain.PairStateUnwinding))
	assert.ErrorIs(t, po.advance(domain.PairStateRunning), domain.ErrIllegalTransition)

	assert.True(t, po.finish(time.Now(), domain.FinishFlat))
	assert.False(t, po.finish(time.Now(), domain.FinishClosedOut))
	assert.Equal(t, domain.PairStateFinished, po.State())
	assert.Equal(t, domain.FinishFlat, po.Snapshot().FinishReason)
}

func TestPairOrder_AllFilledOnlyWhenEveryLegFilled(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 2)

	changed, err := po.applyFill(domain.FillEvent{Key: "a1", Delta: 2, Cumulative: 2})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, isClosed(po.AllFilled()))

	_, err = po.applyFill(domain.FillEvent{Key: "b1", Delta: 1, Cumulative: 1})
	require.NoError(t, err)
	leg, _ := po.Leg("b1")
	assert.Equal(t, domain.LegStatusPartiallyFilled, leg.Status)
	assert.False(t, isClosed(po.AllFilled()))

	_, err = po.applyFill(domain.FillEvent{Key: "b1", Delta: 1, Cumulative: 2})
	require.NoError(t, err)
	assert.True(t, isClosed(po.AllFilled()))
	assert.Equal(t, int64(0), po.NetExposure())
}

func TestPairOrder_DuplicateFillsIgnored(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 3)

	ev := domain.FillEvent{Key: "a1", Delta: 2, Cumulative: 2, Status: domain.LegStatusPartiallyFilled}
	changed, err := po.applyFill(ev)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = po.applyFill(ev)
	require.NoError(t, err)
	assert.False(t, changed)

	// stale event with a lower cumulative
	changed, err = po.applyFill(domain.FillEvent{Key: "a1", Delta: 1, Cumulative: 1})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, int64(2), po.NetExposure())
}

func TestPairOrder_UnknownKey(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)
	_, err := po.applyFill(domain.FillEvent{Key: "zz", Cumulative: 1})
	assert.ErrorIs(t, err, domain.ErrUnknownLeg)
	assert.ErrorIs(t, po.applyCancel("zz"), domain.ErrUnknownLeg)
}

func TestPairOrder_RejectedLegContributesNothing(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)
	require.NoError(t, po.applyReject("b1", "margin"))
	_, err := po.applyFill(domain.FillEvent{Key: "a1", Cumulative: 1})
	require.NoError(t, err)

	leg, _ := po.Leg("b1")
	assert.Equal(t, domain.LegStatusRejected, leg.Status)
	assert.Equal(t, "margin", leg.Reason)
	assert.Equal(t, int64(1), po.NetExposure())
	assert.False(t, isClosed(po.AllFilled()))
	assert.Len(t, po.ActiveLegs(), 0)
}

func TestPairOrder_FillAfterCancelKeepsQuantity(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 2)
	require.NoError(t, po.applyCancel("b1"))

	// a partial that raced the cancel still counts toward exposure
	_, err := po.applyFill(domain.FillEvent{Key: "b1", Delta: 1, Cumulative: 1, Status: domain.LegStatusPartiallyFilled})
	require.NoError(t, err)
	leg, _ := po.Leg("b1")
	assert.Equal(t, domain.LegStatusCancelled, leg.Status)
	assert.Equal(t, int64(1), leg.FilledQuantity)
	assert.Equal(t, int64(-1), po.NetExposure())
}

func TestPairOrder_CancelWaiter(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)

	w := po.cancelWaiter("a1")
	assert.False(t, isClosed(w))
	assert.Equal(t, w, po.cancelWaiter("a1"))

	require.NoError(t, po.applyCancel("a1"))
	assert.True(t, isClosed(w))

	// terminal and unknown legs never block
	assert.True(t, isClosed(po.cancelWaiter("a1")))
	assert.True(t, isClosed(po.cancelWaiter("missing")))

	// a fill to completion also releases the waiter
	wb := po.cancelWaiter("b1")
	_, err := po.applyFill(domain.FillEvent{Key: "b1", Cumulative: 1})
	require.NoError(t, err)
	assert.True(t, isClosed(wb))
}

func TestPairOrder_FinishedIgnoresCallbacks(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)
	w := po.cancelWaiter("a1")
	require.True(t, po.finish(time.Now(), domain.FinishFlat))
	assert.True(t, isClosed(w))
	assert.True(t, isClosed(po.Done()))
	assert.True(t, po.IsFinished())

	_, err := po.applyFill(domain.FillEvent{Key: "a1", Cumulative: 1})
	assert.ErrorIs(t, err, domain.ErrAlreadyFinished)
	assert.ErrorIs(t, po.applyCancel("a1"), domain.ErrAlreadyFinished)
	assert.ErrorIs(t, po.addUnwindLeg(domain.Leg{Key: "u1"}), domain.ErrAlreadyFinished)
	assert.Equal(t, int64(0), po.NetExposure())
}

func TestPairOrder_UnwindLegsTagged(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)
	require.NoError(t, po.addUnwindLeg(domain.Leg{Key: "u1", Instrument: instB, Side: domain.OrderSideSell, Quantity: 1, Status: domain.LegStatusSubmitted}))

	snap := po.Snapshot()
	require.Len(t, snap.UnwindLegs(), 1)
	assert.Equal(t, "u1", snap.UnwindLegs()[0].Key)
	assert.Len(t, snap.PrimaryLegs(), 2)

	last, ok := po.lastLegWithSide(domain.OrderSideSell)
	require.True(t, ok)
	assert.Equal(t, "u1", last.Key)
}

func TestPairOrder_ExposureMarksAgainstExitTouch(t *testing.T) {
	book := NewQuoteBook()
	book.OnQuote(quote("A", "11", "11.5"))
	book.OnQuote(quote("B", "8", "9"))

	po := initializedOrder(t, book, 1)
	_, err := po.applyFill(domain.FillEvent{Key: "a1", Cumulative: 1})
	require.NoError(t, err)
	_, err = po.applyFill(domain.FillEvent{Key: "b1", Cumulative: 1})
	require.NoError(t, err)

	net, pnl, err := po.Exposure()
	require.NoError(t, err)
	assert.Equal(t, int64(0), net)
	// A bought at 10, bid 11: (11 - 10) * 1 = 1
	// B sold at 8.5, ask 9: (9 - 8.5) * 1 = 0.5
	assert.True(t, pnl.Equal(dec("1.5")), "pnl = %s", pnl)
}

// A SELL leg is marked at the ask and weighted by its unsigned filled
// quantity, the same as a BUY leg is at the bid.
func TestPairOrder_ExposureSellLegMarkedAtAsk(t *testing.T) {
	book := NewQuoteBook()
	book.OnQuote(quote("A", "9", "9.5"))
	book.OnQuote(quote("B", "8.5", "9"))

	po := initializedOrder(t, book, 1)
	_, err := po.applyFill(domain.FillEvent{Key: "b1", Cumulative: 1})
	require.NoError(t, err)

	net, pnl, err := po.Exposure()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), net)
	assert.True(t, pnl.Equal(dec("0.5")), "pnl = %s", pnl)
	assert.Equal(t, ActionCloseOut, Decide(net, pnl))

	book.OnQuote(quote("B", "7", "7.5"))
	_, pnl, err = po.Exposure()
	require.NoError(t, err)
	assert.True(t, pnl.Equal(dec("-1")), "pnl = %s", pnl)
	assert.Equal(t, ActionRequote, Decide(net, pnl))
}

func TestPairOrder_ExposureScaledByMultiplier(t *testing.T) {
	book := NewQuoteBook()
	book.OnQuote(quote("ES", "5001", "5001.25"))

	req := testRequest()
	req.Leg1 = domain.Instrument{ID: "ES", Multiplier: 50}
	po := newPairOrder("p1", req, time.Now(), book)
	legs := primaryLegs(2)
	legs[0].Instrument = req.Leg1
	legs[0].LimitPrice = dec("5000")
	require.NoError(t, po.initialize(time.Now(), legs))
	_, err := po.applyFill(domain.FillEvent{Key: "a1", Cumulative: 2})
	require.NoError(t, err)

	_, pnl, err := po.Exposure()
	require.NoError(t, err)
	assert.True(t, pnl.Equal(dec("100")), "pnl = %s", pnl)
}

func TestPairOrder_ExposureWithoutQuote(t *testing.T) {
	po := initializedOrder(t, NewQuoteBook(), 1)

	// nothing filled: no quote needed
	net, pnl, err := po.Exposure()
	require.NoError(t, err)
	assert.Equal(t, int64(0), net)
	assert.True(t, pnl.IsZero())

	_, err = po.applyFill(domain.FillEvent{Key: "a1", Cumulative: 1})
	require.NoError(t, err)
	net, _, err = po.Exposure()
	assert.ErrorIs(t, err, domain.ErrNoQuote)
	assert.Equal(t, int64(1), net)

	snap := po.Snapshot()
	assert.Equal(t, int64(1), snap.NetExposure)
	assert.True(t, snap.PnL.IsZero())
}
