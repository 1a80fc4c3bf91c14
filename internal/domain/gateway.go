package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExecutionGateway transmits orders to a venue. Both calls are asynchronous:
// completion is reported through an ExecutionListener.
type ExecutionGateway interface {
	SubmitLimitOrder(ctx context.Context, inst Instrument, side OrderSide, qty int64, price decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, key string) error
}

// ExecutionListener receives gateway callbacks. Implementations may assume
// callbacks are delivered one at a time.
type ExecutionListener interface {
	OnFill(ev FillEvent)
	OnCancelConfirmed(key string)
	OnReject(key string, reason string)
}

// QuoteSource returns the latest cached quote for an instrument.
type QuoteSource interface {
	Latest(instrument string) (Quote, bool)
}
