package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

// QuoteCache implements domain.QuoteCache with one hash per venue at
// "<prefix>:quote:<venue>". Prices are stored as decimal strings and the timestamp as
// Unix nanoseconds.
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. Entries expire after ttl so a dead
// engine does not leave quotes behind; zero keeps them forever.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl}
}

func (qc *QuoteCache) quoteKey(venue domain.VenueID) string {
	return qc.c.key("quote", string(venue))
}

// SetQuote stores the latest quote for its venue.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := qc.quoteKey(q.Venue)
	pipe := qc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"bid":      q.BidPrice.String(),
		"bid_size": q.BidSize.String(),
		"ask":      q.AskPrice.String(),
		"ask_size": q.AskSize.String(),
		"ts":       strconv.FormatInt(q.Timestamp.UnixNano(), 10),
	})
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Venue, err)
	}
	return nil
}

// GetQuote returns the cached quote for venue, or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue domain.VenueID) (domain.Quote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.quoteKey(venue)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", venue, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", venue, domain.ErrNotFound)
	}

	q := domain.Quote{Venue: venue}
	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"bid", &q.BidPrice},
		{"bid_size", &q.BidSize},
		{"ask", &q.AskPrice},
		{"ask_size", &q.AskSize},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(vals[f.name])
		if err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse quote %s %s: %w", venue, f.name, err)
		}
		*f.dst = v
	}

	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote %s ts: %w", venue, err)
	}
	q.Timestamp = time.Unix(0, ts).UTC()
	return q, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
