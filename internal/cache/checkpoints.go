package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/core/internal/market"
)

// CheckpointStore keeps the collector watermark (last collected candle
// begin) per series. Values are unix seconds so the monotonic guard can
// compare them numerically server-side.
type CheckpointStore struct {
	rdb *redis.Client
}

func NewCheckpointStore(rdb *redis.Client) *CheckpointStore {
	return &CheckpointStore{rdb: rdb}
}

func checkpointKey(ticker string, timeframe market.Timeframe) string {
	return fmt.Sprintf("candles_collector:%s_%s", ticker, timeframe)
}

var advanceCheckpoint = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Get returns the checkpoint, or nil when the series has none.
func (s *CheckpointStore) Get(ctx context.Context, ticker string, timeframe market.Timeframe) (*time.Time, error) {
	val, err := s.rdb.Get(ctx, checkpointKey(ticker, timeframe)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %q: %w", val, err)
	}
	t := time.Unix(sec, 0).UTC()
	return &t, nil
}

// Advance raises the checkpoint to begin; a stale begin never lowers it.
// Reports whether the stored watermark moved.
func (s *CheckpointStore) Advance(ctx context.Context, ticker string, timeframe market.Timeframe, begin time.Time) (bool, error) {
	moved, err := advanceCheckpoint.Run(ctx, s.rdb,
		[]string{checkpointKey(ticker, timeframe)}, begin.Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("advance checkpoint: %w", err)
	}
	return moved == 1, nil
}
