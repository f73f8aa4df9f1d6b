package executor

import (
	"sync"
	"time"
)

// Cooldown stops the same venue pair from firing again within a window. It is
// safe for concurrent use.
type Cooldown struct {
	last   map[string]time.Time // pair key -> last fire
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// NewCooldown creates a Cooldown with the given window. A zero window never
// blocks.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		last:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether key may fire now and, if so, starts its window.
func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Remaining returns how long key is still blocked.
func (c *Cooldown) Remaining(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[key]
	if !ok {
		return 0
	}
	if left := c.window - c.now().Sub(last); left > 0 {
		return left
	}
	return 0
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, ts := range c.last {
		if now.Sub(ts) >= c.window {
			delete(c.last, k)
		}
	}
}
