package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// QuoteCache implements domain.QuoteMirror using Redis hashes. Each
// instrument's top of book lives at "quote:{instrument}" with fields "bid",
// "ask" and "ts" (Unix nanoseconds). Keys expire after ttl so a dead feed
// does not leave stale quotes behind for other readers.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. ttl <= 0 keeps quotes forever.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(instrument string) string {
	return "quote:" + instrument
}

// SetQuote stores the latest quote for q.Instrument.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Instrument)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"bid": q.Bid.String(),
		"ask": q.Ask.String(),
		"ts":  strconv.FormatInt(q.Time.UnixNano(), 10),
	})
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Instrument, err)
	}
	return nil
}

// GetQuote returns the mirrored quote, or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, instrument string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(instrument)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	return parseQuote(instrument, vals)
}

func parseQuote(instrument string, vals map[string]string) (domain.Quote, error) {
	bid, err := decimal.NewFromString(vals["bid"])
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse bid %s: %w", instrument, err)
	}
	ask, err := decimal.NewFromString(vals["ask"])
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ask %s: %w", instrument, err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ts %s: %w", instrument, err)
	}
	return domain.Quote{Instrument: instrument, Bid: bid, Ask: ask, Time: time.Unix(0, ts)}, nil
}

var _ domain.QuoteMirror = (*QuoteCache)(nil)
