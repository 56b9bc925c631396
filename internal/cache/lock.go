package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/core/internal/market"
)

// LockManager hands out advisory per-series write locks used during batch
// indicator persistence. Expiry is enforced by TTL on the cache side, never
// by client clocks.
type LockManager struct {
	rdb *redis.Client
}

func NewLockManager(rdb *redis.Client) *LockManager {
	return &LockManager{rdb: rdb}
}

// LockKey names the lock for one indicator series.
func LockKey(ticker string, timeframe market.Timeframe, indicatorKey string) string {
	return fmt.Sprintf("indicator_lock:%s:%s:%s", ticker, timeframe, indicatorKey)
}

// Lock is one held lock. Only the holder's token can release it.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire polls SETNX until the lock is taken or timeout elapses. Returns
// nil without error on timeout.
func (m *LockManager) Acquire(ctx context.Context, key string, timeout, pollInterval, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{rdb: m.rdb, key: key, token: token}, nil
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release deletes the key only while the token still matches; a lock that
// expired and was re-acquired by another writer is left alone.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseLock.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
