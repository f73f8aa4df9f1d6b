package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseTimeout = 5 * time.Second

// releaseScript deletes the lock only while it still carries our token, so an
// engine whose lock expired cannot release a lock another engine now holds.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager is the cross-process venue lock. The engine takes
// "venue:<id>" for both legs before it submits orders, so two engines sharing
// a Redis never trade the same venue at once. A lock expires after its TTL
// even if the holder dies.
type LockManager struct {
	c      *Client
	holder string
}

// NewLockManager returns a LockManager on c. Lock values name the holding
// host, which makes a stuck lock traceable with a plain GET.
func NewLockManager(c *Client) *LockManager {
	host, _ := os.Hostname()
	return &LockManager{c: c, holder: fmt.Sprintf("%s/%d", host, os.Getpid())}
}

// Acquire takes key for ttl. It fails with domain.ErrLockHeld when another
// holder has it. The returned release is idempotent and runs on its own
// deadline, so it still works after ctx is cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	name := lm.c.key("lock", key)
	token := lm.holder + "/" + uuid.NewString()

	err := lm.c.rdb.SetArgs(ctx, name, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(rctx, lm.c.rdb, []string{name}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
