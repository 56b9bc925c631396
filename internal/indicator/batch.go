package indicator

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/cache"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

// BatchConfig tunes the series write path.
type BatchConfig struct {
	LockTimeout time.Duration
	LockPoll    time.Duration
	LockTTL     time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 250 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

// BatchWorker fills indicator series for backtests: it consumes calculation
// requests, computes every requested series over the base candle window, and
// answers on the backtest requests topic. Domain failures (no data, bad
// indicator) answer CALCULATION_FAILURE and commit; infrastructure failures
// surface as errors so the runtime redelivers.
type BatchWorker struct {
	cfg     BatchConfig
	candles persistence.CandlesStore
	series  persistence.SeriesStore
	engine  Engine
	locks   Locker
	pub     bus.Publisher
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewBatchWorker wires the batch calculation worker.
func NewBatchWorker(cfg BatchConfig, candles persistence.CandlesStore, series persistence.SeriesStore, engine Engine, locks Locker, pub bus.Publisher, m *metrics.Registry, logger zerolog.Logger) *BatchWorker {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &BatchWorker{
		cfg:     cfg.withDefaults(),
		candles: candles,
		series:  series,
		engine:  engine,
		locks:   locks,
		pub:     pub,
		metrics: m,
		log:     logger,
	}
}

// Handle processes one calculation request.
func (w *BatchWorker) Handle(ctx context.Context, msg *bus.Message) (int, error) {
	var req bus.CalculationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return 0, errs.FatalWrap(err, "decode calculation request")
	}
	if req.JobID == uuid.Nil {
		return 0, errs.Fatalf("calculation request without job id")
	}

	logger := w.log.With().
		Str("job_id", req.JobID.String()).
		Str("ticker", req.Ticker).
		Str("timeframe", string(req.Timeframe)).
		Logger()

	if len(req.Indicators) == 0 {
		logger.Error().Msg("calculation request names no indicators")
		return 0, w.answer(ctx, req.JobID, bus.StatusCalculationFailure)
	}

	window, err := w.candles.LoadRange(ctx, req.Ticker, req.Timeframe, req.StartDate, req.EndDate)
	if err != nil {
		return 0, err
	}
	if len(window) == 0 {
		logger.Error().Time("start", req.StartDate).Time("end", req.EndDate).Msg("no base candles in requested window")
		return 0, w.answer(ctx, req.JobID, bus.StatusCalculationFailure)
	}

	for _, spec := range req.Indicators {
		if err := w.computeAndStore(ctx, logger, req, spec, window); err != nil {
			if errs.IsValidation(err) || errs.IsFatal(err) {
				logger.Error().Err(err).Str("indicator", spec.IndicatorKey).Msg("indicator impossible to compute")
				return 0, w.answer(ctx, req.JobID, bus.StatusCalculationFailure)
			}
			return 0, err
		}
	}

	logger.Info().Int("indicators", len(req.Indicators)).Int("candles", len(window)).Msg("calculation request fulfilled")
	return 0, w.answer(ctx, req.JobID, bus.StatusCalculationSuccess)
}

// computeAndStore computes one series and writes it under the per-series
// advisory lock so parallel workers never interleave versions.
func (w *BatchWorker) computeAndStore(ctx context.Context, logger zerolog.Logger, req bus.CalculationRequest, spec bus.IndicatorSpec, window []market.Candle) error {
	ind, err := specIndicator(spec)
	if err != nil {
		return err
	}
	if spec.Library != "" && spec.Library != LibraryBuiltin {
		return errs.Validationf("indicator %s: unsupported library %q", spec.IndicatorKey, spec.Library)
	}
	if !w.engine.Supports(ind.Name) {
		return errs.Validationf("indicator %s: unsupported family %q", spec.IndicatorKey, ind.Name)
	}

	start := time.Now()
	values, err := w.engine.Compute(ind, window)
	if err != nil {
		return err
	}
	w.metrics.ObserveIndicatorCompute(ind.Name, time.Since(start))

	points := make([]market.IndicatorPoint, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		points = append(points, market.IndicatorPoint{Begin: window[i].Begin, Value: v})
	}
	if len(points) == 0 {
		return errs.Validationf("indicator %s: window of %d candles is all warm-up", spec.IndicatorKey, len(window))
	}

	key := ind.Key()
	lockKey := cache.LockKey(req.Ticker, req.Timeframe, key)
	lock, err := w.locks.Acquire(ctx, lockKey, w.cfg.LockTimeout, w.cfg.LockPoll, w.cfg.LockTTL)
	if err != nil {
		return err
	}
	if lock == nil {
		return errs.Retryablef("series %s is locked by another writer", lockKey)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logger.Warn().Err(err).Str("lock", lockKey).Msg("lock release failed; ttl will expire it")
		}
	}()

	series := market.IndicatorSeries{
		Ticker:    req.Ticker,
		Timeframe: req.Timeframe,
		Key:       key,
		Points:    points,
	}
	if err := w.series.InsertPoints(ctx, series); err != nil {
		return err
	}
	w.metrics.ObserveBatchWrite(len(points))
	return nil
}

// answer reports the calculation outcome on the backtest requests topic,
// keyed by job so the orchestrator sees it in order.
func (w *BatchWorker) answer(ctx context.Context, jobID uuid.UUID, status string) error {
	return w.pub.ProduceJSON(ctx, bus.TopicBacktestRequests, jobID.String(), bus.BacktestRequest{JobID: jobID, Status: status})
}

// CacheLocker adapts the cache lock manager to Locker. The explicit nil
// check keeps a timed-out *cache.Lock from becoming a non-nil interface.
type CacheLocker struct {
	Manager *cache.LockManager
}

func (c CacheLocker) Acquire(ctx context.Context, key string, timeout, poll, ttl time.Duration) (Releaser, error) {
	l, err := c.Manager.Acquire(ctx, key, timeout, poll, ttl)
	if err != nil || l == nil {
		return nil, err
	}
	return l, nil
}

// specIndicator rebuilds the parsed indicator from a wire spec, trusting the
// key over the loose name/params fields when both are present.
func specIndicator(spec bus.IndicatorSpec) (strategy.Indicator, error) {
	if spec.IndicatorKey != "" {
		return strategy.ParseKey(spec.IndicatorKey)
	}
	if spec.Name == "" {
		return strategy.Indicator{}, errs.Validationf("indicator spec without key or name")
	}
	return strategy.Indicator{Name: spec.Name, Params: spec.Params, Output: "value"}, nil
}
