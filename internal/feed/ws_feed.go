// Package feed streams top-of-book quotes from a market data WebSocket into
// the engine.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxReconnectDelay = 60 * time.Second
)

// QuoteHandler receives every decoded quote, in arrival order.
type QuoteHandler func(ctx context.Context, q domain.Quote)

// quoteMessage is the wire format of one quote update.
type quoteMessage struct {
	Type       string          `json:"type,omitempty"`
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	// TS is Unix milliseconds; zero means "now".
	TS int64 `json:"ts,omitempty"`
}

// subscribeCommand is sent after every (re)connect.
type subscribeCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// WSFeed connects to a quote WebSocket, subscribes to the configured
// instruments and hands each quote to the handler. It reconnects with
// exponential backoff until its context is done.
type WSFeed struct {
	url            string
	instruments    []string
	handler        QuoteHandler
	reconnectDelay time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewWSFeed creates a feed for instruments. reconnectDelay is the initial
// backoff and doubles on each consecutive failure.
func NewWSFeed(url string, instruments []string, reconnectDelay time.Duration, handler QuoteHandler, logger *slog.Logger) *WSFeed {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &WSFeed{
		url:            url,
		instruments:    instruments,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		logger:         logger.With(slog.String("component", "ws_feed")),
		now:            time.Now,
	}
}

// Run blocks until ctx is done.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments to subscribe, exiting")
		return nil
	}

	delay := f.reconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = f.reconnectDelay
		}
		f.logger.Warn("quote feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runConnection serves one connection. connected reports whether the
// subscription was established, which resets the backoff.
func (f *WSFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCommand{Type: "subscribe", Instruments: f.instruments}); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("quote feed subscribed", slog.Int("instruments", len(f.instruments)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(connCtx, conn)

	// unblock ReadMessage when ctx is done
	go func() {
		<-connCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)
		}
		q, ok, err := f.decode(data)
		if err != nil {
			f.logger.Warn("dropping malformed quote", slog.String("error", err.Error()))
			continue
		}
		if ok {
			f.handler(ctx, q)
		}
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// decode parses one frame. Frames with a type other than "quote" (acks,
// heartbeats) are skipped with ok=false.
func (f *WSFeed) decode(data []byte) (domain.Quote, bool, error) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Quote{}, false, err
	}
	if msg.Type != "" && msg.Type != "quote" {
		return domain.Quote{}, false, nil
	}
	if msg.Instrument == "" {
		return domain.Quote{}, false, errors.New("missing instrument")
	}
	if msg.Bid.GreaterThan(msg.Ask) {
		return domain.Quote{}, false, fmt.Errorf("crossed quote for %s: bid %s > ask %s", msg.Instrument, msg.Bid, msg.Ask)
	}
	ts := f.now()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS)
	}
	return domain.Quote{Instrument: msg.Instrument, Bid: msg.Bid, Ask: msg.Ask, Time: ts}, true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
