package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dimDailyBacktests   = "backtests_daily"
	dimRunningBacktests = "backtests_running"

	// dailyCounterTTL outlives the day it counts so late decrements still
	// find the key; expiry is cleanup, not the quota boundary.
	dailyCounterTTL = 48 * time.Hour
)

// Limits carries the user's subscription-tier quota bounds.
type Limits struct {
	DailyBacktests   int
	RunningBacktests int
}

// Decision reports the counter state after a reservation attempt.
type Decision struct {
	Allowed bool
	Daily   int
	Running int
}

// QuotaKeeper maintains the daily and concurrent backtest counters. The day
// boundary follows the exchange timezone.
type QuotaKeeper struct {
	rdb *redis.Client
	loc *time.Location
}

func NewQuotaKeeper(rdb *redis.Client, loc *time.Location) *QuotaKeeper {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaKeeper{rdb: rdb, loc: loc}
}

func (q *QuotaKeeper) dailyKey(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", dimDailyBacktests, userID, now.In(q.loc).Format("2006-01-02"))
}

func runningKey(userID uuid.UUID) string {
	return fmt.Sprintf("rate_limit:%s:%s", dimRunningBacktests, userID)
}

var reserveQuota = redis.NewScript(`
local n = tonumber(ARGV[1])
local daily = tonumber(redis.call('GET', KEYS[1]) or '0')
local running = tonumber(redis.call('GET', KEYS[2]) or '0')
if daily + n > tonumber(ARGV[2]) or running + n > tonumber(ARGV[3]) then
	return {0, daily, running}
end
daily = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], ARGV[4])
running = redis.call('INCRBY', KEYS[2], n)
return {1, daily, running}
`)

// Reserve takes n slots from both counters, or neither when either limit
// would be exceeded.
func (q *QuotaKeeper) Reserve(ctx context.Context, userID uuid.UUID, n int, now time.Time, limits Limits) (Decision, error) {
	keys := []string{q.dailyKey(userID, now), runningKey(userID)}
	res, err := reserveQuota.Run(ctx, q.rdb, keys,
		n, limits.DailyBacktests, limits.RunningBacktests, int(dailyCounterTTL.Seconds())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve quota: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("reserve quota: unexpected reply length %d", len(res))
	}
	return Decision{Allowed: res[0] == 1, Daily: int(res[1]), Running: int(res[2])}, nil
}

var releaseRunning = redis.NewScript(`
local v = redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
if v < 0 then
	redis.call('SET', KEYS[1], '0')
	v = 0
end
return v
`)

// ReleaseRunning returns n concurrent slots, flooring at zero so a
// redelivered terminal event cannot drive the counter negative.
func (q *QuotaKeeper) ReleaseRunning(ctx context.Context, userID uuid.UUID, n int) (int, error) {
	v, err := releaseRunning.Run(ctx, q.rdb, []string{runningKey(userID)}, n).Int()
	if err != nil {
		return 0, fmt.Errorf("release running quota: %w", err)
	}
	return v, nil
}
