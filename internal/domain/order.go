package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// LegStatus tracks the order lifecycle of a single leg.
type LegStatus string

const (
	LegStatusSubmitted       LegStatus = "submitted"
	LegStatusPartiallyFilled LegStatus = "partially_filled"
	LegStatusFilled          LegStatus = "filled"
	LegStatusCancelled       LegStatus = "cancelled"
	LegStatusRejected        LegStatus = "rejected"
)

// Active reports whether the order is still working at the gateway.
func (s LegStatus) Active() bool {
	return s == LegStatusSubmitted || s == LegStatusPartiallyFilled
}

// Terminal reports whether no further fills can arrive.
func (s LegStatus) Terminal() bool {
	return !s.Active()
}

// LegOrigin tags a leg as one of the two primary legs or as an unwind order.
type LegOrigin string

const (
	LegOriginPrimary LegOrigin = "primary"
	LegOriginUnwind  LegOrigin = "unwind"
)

// Leg is one limit order owned by a pair order.
type Leg struct {
	Key            string
	Instrument     Instrument
	Side           OrderSide
	LimitPrice     decimal.Decimal
	Quantity       int64
	FilledQuantity int64
	Status         LegStatus
	Origin         LegOrigin
	Reason         string // rejection reason, if any
	SubmittedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (l Leg) Remaining() int64 {
	if l.FilledQuantity >= l.Quantity {
		return 0
	}
	return l.Quantity - l.FilledQuantity
}

// SignedFilled returns the filled quantity, negative for sells.
func (l Leg) SignedFilled() int64 {
	return l.Side.Sign() * l.FilledQuantity
}

// SignedOpen returns the quantity still working at the gateway, negative for
// sells. Terminal legs have nothing open.
func (l Leg) SignedOpen() int64 {
	if !l.Status.Active() {
		return 0
	}
	return l.Side.Sign() * l.Remaining()
}

// FillEvent is delivered by the execution gateway for every (partial) fill.
type FillEvent struct {
	Key        string
	Delta      int64
	Cumulative int64
	Status     LegStatus
	Price      decimal.Decimal
	Time       time.Time
}
