package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// QuoteService is what the quote endpoints need from the quote fan-out.
type QuoteService interface {
	Handle(ctx context.Context, q domain.Quote)
	Latest(ctx context.Context, instrument string) (domain.Quote, error)
}

// QuoteHandler serves /api/quotes.
type QuoteHandler struct {
	quotes QuoteService
	// ingest enables POST /api/quotes for driving the paper venue by hand.
	ingest bool
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteService, ingest bool, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, ingest: ingest, logger: logHandler(logger, "quotes")}
}

type quoteView struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Time       time.Time       `json:"time"`
}

// GetQuote returns the latest quote for an instrument.
// GET /api/quotes/{instrument}
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instrument")
	q, err := h.quotes.Latest(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no quote for "+id)
			return
		}
		h.logger.ErrorContext(r.Context(), "quote lookup failed", slog.String("instrument", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "quote lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, quoteView{Instrument: q.Instrument, Bid: q.Bid, Ask: q.Ask, Time: q.Time})
}

// PostQuote injects a quote as if it had arrived on the feed.
// POST /api/quotes
func (h *QuoteHandler) PostQuote(w http.ResponseWriter, r *http.Request) {
	if !h.ingest {
		writeError(w, http.StatusForbidden, "quote injection is disabled")
		return
	}
	var in quoteView
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Instrument == "" || in.Bid.GreaterThan(in.Ask) {
		writeError(w, http.StatusBadRequest, "instrument is required and bid must not exceed ask")
		return
	}
	if in.Time.IsZero() {
		in.Time = time.Now()
	}
	h.quotes.Handle(r.Context(), domain.Quote{Instrument: in.Instrument, Bid: in.Bid, Ask: in.Ask, Time: in.Time})
	w.WriteHeader(http.StatusAccepted)
}
