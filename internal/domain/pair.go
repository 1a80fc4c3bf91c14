package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PairState is the lifecycle state of a pair order. States only move forward.
type PairState string

const (
	PairStateArmed       PairState = "armed"
	PairStateInitialized PairState = "initialized"
	PairStateRunning     PairState = "running"
	PairStateUnwinding   PairState = "unwinding"
	PairStateFinished    PairState = "finished"
)

var pairStateRank = map[PairState]int{
	PairStateArmed:       0,
	PairStateInitialized: 1,
	PairStateRunning:     2,
	PairStateUnwinding:   3,
	PairStateFinished:    4,
}

// CanAdvance reports whether moving from s to next is a legal forward step.
// Running may skip Unwinding and go straight to Finished; Armed may be
// finished directly when the request is abandoned before the trigger fires.
func (s PairState) CanAdvance(next PairState) bool {
	from, ok1 := pairStateRank[s]
	to, ok2 := pairStateRank[next]
	if !ok1 || !ok2 || to <= from {
		return false
	}
	switch next {
	case PairStateInitialized, PairStateRunning:
		return to == from+1
	case PairStateUnwinding:
		return s == PairStateRunning
	}
	return true
}

// FinishReason records why a pair order left the running set.
type FinishReason string

const (
	FinishAllFilled FinishReason = "all_filled"
	FinishFlat      FinishReason = "flat"
	FinishClosedOut FinishReason = "closed_out"
	FinishAbandoned FinishReason = "abandoned"
)

// PairRequest is a strategy request for one pair trade.
type PairRequest struct {
	Leg1         Instrument
	Leg2         Instrument
	TargetSpread decimal.Decimal
	Direction    OrderSide
	Quantity     int64
	Tolerance    time.Duration
}

// Validate checks the request for obviously invalid values.
func (r PairRequest) Validate() error {
	switch {
	case r.Leg1.ID == "" || r.Leg2.ID == "":
		return fmt.Errorf("%w: both instruments are required", ErrInvalidRequest)
	case r.Leg1.ID == r.Leg2.ID:
		return fmt.Errorf("%w: instruments must differ", ErrInvalidRequest)
	case r.Leg1.Multiplier <= 0 || r.Leg2.Multiplier <= 0:
		return fmt.Errorf("%w: multiplier must be > 0", ErrInvalidRequest)
	case !r.Direction.Valid():
		return fmt.Errorf("%w: direction %q", ErrInvalidRequest, r.Direction)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidRequest)
	case r.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance must be > 0", ErrInvalidRequest)
	}
	return nil
}

// PairOrderSnapshot is a point-in-time copy of a pair order, safe to share.
type PairOrderSnapshot struct {
	ID               string
	Request          PairRequest
	State            PairState
	CreatedAt        time.Time
	InitTime         *time.Time
	ExpireTime       *time.Time
	FinishedAt       *time.Time
	FinishReason     FinishReason
	Legs             []Leg
	NetExposure      int64
	PnL              decimal.Decimal
	UnwindIterations int
}

// PrimaryLegs returns the legs submitted by the trigger, in submission order.
func (s PairOrderSnapshot) PrimaryLegs() []Leg {
	return s.legsByOrigin(LegOriginPrimary)
}

// UnwindLegs returns the legs submitted during unwind.
func (s PairOrderSnapshot) UnwindLegs() []Leg {
	return s.legsByOrigin(LegOriginUnwind)
}

func (s PairOrderSnapshot) legsByOrigin(o LegOrigin) []Leg {
	var out []Leg
	for _, l := range s.Legs {
		if l.Origin == o {
			out = append(out, l)
		}
	}
	return out
}

// PairEvent is published on the signal bus on every lifecycle transition.
type PairEvent struct {
	Event       string    `json:"event"`
	PairID      string    `json:"pair_id"`
	State       PairState `json:"state"`
	Leg1        string    `json:"leg1"`
	Leg2        string    `json:"leg2"`
	Direction   OrderSide `json:"direction"`
	NetExposure int64     `json:"net_exposure"`
	PnL         string    `json:"pnl"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
