// Package memory provides in-process stand-ins for the Redis-backed quote
// cache, signal bus and stream, used when Redis is disabled.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan []byte
}

// SignalBus fans published payloads out to subscribers and keeps streams in
// bounded slices. Slow subscribers drop messages rather than block
// publishers.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

// NewSignalBus creates a SignalBus keeping at most streamMaxLen entries per
// stream.
func NewSignalBus(streamMaxLen int) *SignalBus {
	if streamMaxLen <= 0 {
		streamMaxLen = 10_000
	}
	return &SignalBus{
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  streamMaxLen,
	}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads for channel, which may be a glob
// pattern. It is closed when ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend appends payload to stream.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if over := len(msgs) - b.maxLen; over > 0 {
		msgs = msgs[over:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count messages after lastID ("0" reads from the
// start).
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if len(out) == count {
			break
		}
		if id, _ := parseID(m.ID); id > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func parseID(id string) (uint64, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseUint(id, 10, 64)
}

// QuoteCache keeps the latest quote per venue.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[domain.VenueID]domain.Quote
}

// NewQuoteCache creates an empty QuoteCache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[domain.VenueID]domain.Quote)}
}

// SetQuote stores q.
func (c *QuoteCache) SetQuote(_ context.Context, q domain.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Venue] = q
	return nil
}

// GetQuote returns the cached quote or domain.ErrNotFound.
func (c *QuoteCache) GetQuote(_ context.Context, venue domain.VenueID) (domain.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[venue]
	if !ok {
		return domain.Quote{}, fmt.Errorf("memory: quote %s: %w", venue, domain.ErrNotFound)
	}
	return q, nil
}

var (
	_ domain.SignalBus  = (*SignalBus)(nil)
	_ domain.QuoteCache = (*QuoteCache)(nil)
)
