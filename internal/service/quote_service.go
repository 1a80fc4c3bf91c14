// Package service holds the glue between market data and the trading core.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/metrics"
)

// QuotesChannel is the pub/sub channel quote updates are published on.
const QuotesChannel = "quotes"

// QuoteSink consumes quotes synchronously. The quote book and the paper
// venue are sinks.
type QuoteSink interface {
	OnQuote(q domain.Quote)
}

// QuoteService fans every incoming quote out to the in-process sinks, in
// registration order, then mirrors it to Redis and publishes it on the bus.
// Mirror and bus failures are logged and never block the sinks.
type QuoteService struct {
	sinks   []QuoteSink
	local   domain.QuoteSource
	mirror  domain.QuoteMirror
	bus     domain.SignalBus
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewQuoteService creates a QuoteService. local answers Latest lookups
// before the mirror is consulted.
func NewQuoteService(local domain.QuoteSource, logger *slog.Logger, sinks ...QuoteSink) *QuoteService {
	return &QuoteService{
		sinks:  sinks,
		local:  local,
		logger: logger.With(slog.String("component", "quote_service")),
	}
}

// SetMirror wires an out-of-process quote mirror.
func (s *QuoteService) SetMirror(m domain.QuoteMirror) { s.mirror = m }

// SetSignalBus wires quote publication.
func (s *QuoteService) SetSignalBus(bus domain.SignalBus) { s.bus = bus }

// SetMetrics wires the metrics recorder.
func (s *QuoteService) SetMetrics(m *metrics.Recorder) { s.metrics = m }

type quoteEvent struct {
	Event      string    `json:"event"`
	Instrument string    `json:"instrument"`
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handle processes one quote.
func (s *QuoteService) Handle(ctx context.Context, q domain.Quote) {
	for _, sink := range s.sinks {
		sink.OnQuote(q)
	}
	s.metrics.QuoteReceived(q.Instrument)

	if s.mirror != nil {
		if err := s.mirror.SetQuote(ctx, q); err != nil {
			s.logger.WarnContext(ctx, "mirror quote failed",
				slog.String("instrument", q.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus != nil {
		evt, _ := json.Marshal(quoteEvent{
			Event:      "quote",
			Instrument: q.Instrument,
			Bid:        q.Bid.String(),
			Ask:        q.Ask.String(),
			Timestamp:  q.Time,
		})
		if err := s.bus.Publish(ctx, QuotesChannel, evt); err != nil {
			s.logger.WarnContext(ctx, "publish quote failed",
				slog.String("instrument", q.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Latest returns the freshest known quote, falling back to the mirror when
// this process has not seen the instrument.
func (s *QuoteService) Latest(ctx context.Context, instrument string) (domain.Quote, error) {
	if q, ok := s.local.Latest(instrument); ok {
		return q, nil
	}
	if s.mirror == nil {
		return domain.Quote{}, domain.ErrNotFound
	}
	q, err := s.mirror.GetQuote(ctx, instrument)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Quote{}, err
		}
		return domain.Quote{}, fmt.Errorf("quote_service: mirror lookup %q: %w", instrument, err)
	}
	return q, nil
}
