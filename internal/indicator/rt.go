package indicator

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

// ContextCache is the rolling candle window per series. *cache.ContextStore
// satisfies it.
type ContextCache interface {
	Load(ctx context.Context, ticker string, timeframe market.Timeframe) ([]market.Candle, bool, error)
	Append(ctx context.Context, c market.Candle) error
	Replace(ctx context.Context, ticker string, timeframe market.Timeframe, candles []market.Candle) error
}

// RTConfig tunes the real-time pipeline.
type RTConfig struct {
	// Hot is the indicator set computed for every live candle.
	Hot []HotIndicator

	// ContextDepth is the rolling window length, also the fallback read
	// size against the analytical store.
	ContextDepth int
}

// HotIndicator pairs a parsed indicator with its precomputed canonical key.
type HotIndicator struct {
	Indicator strategy.Indicator
	Key       string
}

// ParseHotSet parses configured indicator keys into the hot set.
func ParseHotSet(keys []string) ([]HotIndicator, error) {
	out := make([]HotIndicator, 0, len(keys))
	for _, key := range keys {
		ind, err := strategy.ParseKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, HotIndicator{Indicator: ind, Key: ind.Key()})
	}
	return out, nil
}

func (c RTConfig) withDefaults() RTConfig {
	if c.ContextDepth <= 0 {
		c.ContextDepth = 500
	}
	return c
}

// RTPipeline enriches raw candles with the hot indicator set, one candle at
// a time per partition. It must run with concurrency 1: the rolling context
// is read-modify-write per series.
type RTPipeline struct {
	cfg     RTConfig
	cache   ContextCache
	candles persistence.CandlesStore
	series  persistence.SeriesStore
	engine  Engine
	pub     bus.Publisher
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewRTPipeline wires the real-time enrichment path.
func NewRTPipeline(cfg RTConfig, cache ContextCache, candles persistence.CandlesStore, series persistence.SeriesStore, engine Engine, pub bus.Publisher, m *metrics.Registry, logger zerolog.Logger) *RTPipeline {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &RTPipeline{
		cfg:     cfg.withDefaults(),
		cache:   cache,
		candles: candles,
		series:  series,
		engine:  engine,
		pub:     pub,
		metrics: m,
		log:     logger,
	}
}

// Handle processes one raw candle: load context, compute the hot set,
// persist the points, refresh the context, emit the enriched candle.
func (p *RTPipeline) Handle(ctx context.Context, msg *bus.Message) (int, error) {
	var candle market.Candle
	if err := json.Unmarshal(msg.Value, &candle); err != nil {
		return 0, errs.FatalWrap(err, "decode raw candle")
	}
	if err := candle.Validate(); err != nil {
		return 0, errs.ValidationWrap(err, "raw candle")
	}

	logger := p.log.With().Str("ticker", candle.Ticker).Str("timeframe", string(candle.Timeframe)).Logger()

	window, fromCache, err := p.loadContext(ctx, logger, candle.Ticker, candle.Timeframe)
	if err != nil {
		return 0, err
	}

	window, fresh := appendCandle(window, candle, p.cfg.ContextDepth)
	if !fresh {
		logger.Debug().Time("begin", candle.Begin).Msg("stale candle replayed; recomputing in place")
	}

	enriched := market.EnrichedCandle{Candle: candle, Indicators: map[string]float64{}}
	for _, hot := range p.cfg.Hot {
		start := time.Now()
		series, err := p.engine.Compute(hot.Indicator, window)
		if err != nil {
			return 0, err
		}
		p.metrics.ObserveIndicatorCompute(hot.Indicator.Name, time.Since(start))

		cur := series[len(series)-1]
		if math.IsNaN(cur) {
			continue
		}
		enriched.Indicators[hot.Key] = cur

		point := market.IndicatorSeries{
			Ticker:    candle.Ticker,
			Timeframe: candle.Timeframe,
			Key:       hot.Key,
			Points:    []market.IndicatorPoint{{Begin: candle.Begin, Value: cur}},
		}
		if err := p.series.InsertPoints(ctx, point); err != nil {
			return 0, err
		}
	}

	p.refreshContext(ctx, logger, candle, window, fromCache, fresh)

	if err := p.pub.ProduceJSON(ctx, bus.TopicProcessedCandles, candle.Key(), enriched); err != nil {
		return 0, err
	}
	logger.Debug().Int("indicators", len(enriched.Indicators)).Time("begin", candle.Begin).Msg("candle enriched")
	return 0, nil
}

// loadContext reads the rolling window, preferring cache, warming from the
// analytical store when the cache misses or fails. The store path is the
// degraded one: it costs an extra query per candle.
func (p *RTPipeline) loadContext(ctx context.Context, logger zerolog.Logger, ticker string, tf market.Timeframe) ([]market.Candle, bool, error) {
	window, found, err := p.cache.Load(ctx, ticker, tf)
	if err == nil && found {
		p.metrics.RecordCacheHit(metrics.TierContext)
		return window, true, nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("rolling context unavailable; degraded read from analytical store")
	}
	p.metrics.RecordCacheMiss(metrics.TierContext)

	window, storeErr := p.candles.LoadLast(ctx, ticker, tf, p.cfg.ContextDepth)
	if storeErr != nil {
		return nil, false, storeErr
	}
	return window, false, nil
}

// refreshContext writes the window back. Cache failures are logged and
// swallowed: the enriched point is already durable in the analytical store.
func (p *RTPipeline) refreshContext(ctx context.Context, logger zerolog.Logger, candle market.Candle, window []market.Candle, fromCache, fresh bool) {
	var err error
	switch {
	case fromCache && fresh:
		err = p.cache.Append(ctx, candle)
	default:
		// Warmed from the store or rewrote an existing bucket: replace the
		// whole window so cache and computed state match.
		err = p.cache.Replace(ctx, candle.Ticker, candle.Timeframe, window)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("rolling context write failed; continuing")
	}
}

// appendCandle extends the window with c, keeping it bounded by depth.
// A candle for an already-present begin replaces that bucket instead of
// duplicating it, so redelivered messages recompute identical state.
func appendCandle(window []market.Candle, c market.Candle, depth int) ([]market.Candle, bool) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Begin.Equal(c.Begin) {
			window[i] = c
			return window, false
		}
		if window[i].Begin.Before(c.Begin) {
			break
		}
	}
	window = append(window, c)
	if len(window) > depth {
		window = window[len(window)-depth:]
	}
	return window, true
}
