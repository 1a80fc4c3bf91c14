package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a tradable contract. Multiplier scales price
// differences into money.
type Instrument struct {
	ID         string
	Multiplier int64
}

// Quote is the latest top of book for an instrument.
type Quote struct {
	Instrument string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Time       time.Time
}

// Touch returns the side of the book a position on side would have to exit
// against: bid for a long, ask for a short.
func (q Quote) Touch(side OrderSide) decimal.Decimal {
	if side == OrderSideBuy {
		return q.Bid
	}
	return q.Ask
}

// Take returns the price an aggressive order on side pays: ask for a buy,
// bid for a sell.
func (q Quote) Take(side OrderSide) decimal.Decimal {
	if side == OrderSideBuy {
		return q.Ask
	}
	return q.Bid
}
