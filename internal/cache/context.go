package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/core/internal/market"
)

// DefaultContextDepth is the rolling window length, enough to warm up every
// hot indicator at its default parameters.
const DefaultContextDepth = 500

// ContextStore keeps the per-series rolling candle window the real-time
// pipeline computes over. The key is mutated only by the single consumer of
// that series partition, so writes need no locking.
type ContextStore struct {
	rdb   *redis.Client
	depth int64
}

func NewContextStore(rdb *redis.Client, depth int) *ContextStore {
	if depth <= 0 {
		depth = DefaultContextDepth
	}
	return &ContextStore{rdb: rdb, depth: int64(depth)}
}

func contextKey(ticker string, timeframe market.Timeframe) string {
	return fmt.Sprintf("candles_context:%s_%s", ticker, timeframe)
}

// Append pushes one candle onto the window and trims it to depth.
func (s *ContextStore) Append(ctx context.Context, c market.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context candle: %w", err)
	}
	key := contextKey(c.Ticker, c.Timeframe)

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.depth, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append rolling context: %w", err)
	}
	return nil
}

// Load returns the window oldest-first. ok is false when the window does not
// exist yet; callers then warm it from the analytical store.
func (s *ContextStore) Load(ctx context.Context, ticker string, timeframe market.Timeframe) ([]market.Candle, bool, error) {
	vals, err := s.rdb.LRange(ctx, contextKey(ticker, timeframe), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("load rolling context: %w", err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	candles := make([]market.Candle, 0, len(vals))
	for _, v := range vals {
		var c market.Candle
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, false, fmt.Errorf("corrupt rolling context entry: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, true, nil
}

// Replace rebuilds the window from a warm source, oldest-first.
func (s *ContextStore) Replace(ctx context.Context, ticker string, timeframe market.Timeframe, candles []market.Candle) error {
	key := contextKey(ticker, timeframe)

	vals := make([]interface{}, 0, len(candles))
	for i := range candles {
		data, err := json.Marshal(candles[i])
		if err != nil {
			return fmt.Errorf("marshal context candle: %w", err)
		}
		vals = append(vals, data)
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(vals) > 0 {
		pipe.RPush(ctx, key, vals...)
		pipe.LTrim(ctx, key, -s.depth, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace rolling context: %w", err)
	}
	return nil
}
