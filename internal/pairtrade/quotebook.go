// Package pairtrade implements the pair-order lifecycle: the quote book that
// drives arbitrage triggers, the pair order aggregate, the unwind policy and
// the orchestrator that owns running and finished pair orders.
package pairtrade

import (
	"sync"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// QuoteHandler is called for every quote update on a subscribed instrument.
type QuoteHandler func(q domain.Quote)

// QuoteBook holds the latest quote per instrument and a subscriber registry
// keyed by instrument. Quotes are written by a single feed dispatcher and read
// by many triggers. Handlers run outside the lock, so a handler may
// unsubscribe itself.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]domain.Quote
	subs   map[string]map[string]QuoteHandler // instrument -> subscriber id -> handler
}

// NewQuoteBook creates an empty QuoteBook.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes: make(map[string]domain.Quote),
		subs:   make(map[string]map[string]QuoteHandler),
	}
}

// OnQuote stores q as the latest quote for its instrument and fans it out to
// the instrument's subscribers. Fire-and-forget.
func (b *QuoteBook) OnQuote(q domain.Quote) {
	b.mu.Lock()
	b.quotes[q.Instrument] = q
	subs := b.subs[q.Instrument]
	handlers := make([]QuoteHandler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(q)
	}
}

// Latest returns the cached quote for instrument.
func (b *QuoteBook) Latest(instrument string) (domain.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[instrument]
	return q, ok
}

// Subscribe registers h under id for updates on instrument. Re-subscribing
// the same id replaces the handler.
func (b *QuoteBook) Subscribe(instrument, id string, h QuoteHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[instrument]
	if !ok {
		m = make(map[string]QuoteHandler)
		b.subs[instrument] = m
	}
	m[id] = h
}

// Unsubscribe removes id from instrument's subscribers. Unknown ids are ignored.
func (b *QuoteBook) Unsubscribe(instrument, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[instrument]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(b.subs, instrument)
	}
}

// Subscribers returns how many handlers are registered for instrument.
func (b *QuoteBook) Subscribers(instrument string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[instrument])
}

var _ domain.QuoteSource = (*QuoteBook)(nil)
