package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowSrc string

var slidingWindow = redis.NewScript(slidingWindowSrc)

// RateLimiter is a sliding-window request budget shared by every process on
// the same Redis. It paces venue REST calls ("venue:<id>") and API clients
// ("api:<addr>").
type RateLimiter struct {
	c   *Client
	now func() time.Time
}

// NewRateLimiter returns a RateLimiter on c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, now: time.Now}
}

// Take spends one request of key's budget of limit per window. A denied
// request spends nothing.
func (rl *RateLimiter) Take(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	res, err := slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		rl.now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: script returned %d values", key, len(res))
	}
	return domain.RateDecision{Allowed: res[0] == 1, Remaining: int(res[1])}, nil
}

// Allow reports only whether the request fits.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	d, err := rl.Take(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
