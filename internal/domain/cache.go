package domain

import (
	"context"
	"time"
)

// QuoteCache holds the last accepted quote of each venue where other
// processes and the API can read it.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	// GetQuote returns ErrNotFound when the venue has no cached quote.
	GetQuote(ctx context.Context, venue VenueID) (Quote, error)
}

// RateDecision reports whether a request fits its budget and how many more
// the current window allows.
type RateDecision struct {
	Allowed   bool
	Remaining int
}

// RateLimiter meters requests per key over a sliding window. Keys look like
// "venue:<id>" for exchange calls and "api:..." for HTTP clients.
type RateLimiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager grants exclusive, expiring locks across engine processes. A
// held key fails with ErrLockHeld; the returned unlock is idempotent.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans live events out to subscribers and keeps durable streams.
// Subscribe also accepts Redis glob patterns.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
