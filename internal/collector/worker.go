package collector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/upstream/moex"
)

// CandleSource fetches one ascending page of candles starting at from.
// *moex.Client satisfies it.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, tf market.Timeframe, from time.Time) ([]market.Candle, error)
}

// checkpointStore is the slice of the cache checkpoint store the worker
// needs.
type checkpointStore interface {
	Get(ctx context.Context, ticker string, timeframe market.Timeframe) (*time.Time, error)
	Advance(ctx context.Context, ticker string, timeframe market.Timeframe, begin time.Time) (bool, error)
}

// Worker collects one page of candles per task invocation. Returning the
// page size as the remaining count makes the runtime republish the task, so
// a long backfill turns into a chain of short handler calls instead of one
// long-running one.
type Worker struct {
	source      CandleSource
	tickers     persistence.TickersRepo
	store       persistence.CandlesStore
	checkpoints checkpointStore
	metrics     *metrics.Registry
	log         zerolog.Logger
}

// NewWorker wires the collector worker.
func NewWorker(source CandleSource, tickers persistence.TickersRepo, store persistence.CandlesStore, checkpoints checkpointStore, m *metrics.Registry, logger zerolog.Logger) *Worker {
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Worker{
		source:      source,
		tickers:     tickers,
		store:       store,
		checkpoints: checkpoints,
		metrics:     m,
		log:         logger,
	}
}

// Handle processes one collection task.
func (w *Worker) Handle(ctx context.Context, msg *bus.Message) (int, error) {
	var task bus.CollectorTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return 0, errs.FatalWrap(err, "decode collector task")
	}
	if task.TaskType != bus.TaskCollectCandles {
		return 0, errs.Fatalf("unknown task type %q", task.TaskType)
	}
	tf, err := market.ParseTimeframe(task.Params["timeframe"])
	if err != nil {
		return 0, errs.ValidationWrap(err, "collector task timeframe")
	}

	ticker, err := w.tickers.GetBySymbol(ctx, task.Ticker)
	if err != nil {
		return 0, err
	}
	if ticker == nil {
		return 0, errs.Fatalf("unknown ticker %q", task.Ticker)
	}

	logger := w.log.With().Str("ticker", ticker.Symbol).Str("timeframe", string(tf)).Logger()

	from, err := w.resolveFrom(ctx, logger, ticker.Symbol, tf)
	if err != nil {
		return 0, err
	}

	page, err := w.source.Candles(ctx, ticker.Symbol, tf, from)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		logger.Debug().Time("from", from).Msg("series caught up")
		return 0, nil
	}

	normalized := make([]market.Candle, 0, len(page))
	maxBegin := time.Time{}
	for _, c := range page {
		nc, err := moex.NormalizeCandle(c, *ticker)
		if err != nil {
			return 0, err
		}
		normalized = append(normalized, nc)
		if nc.Begin.After(maxBegin) {
			maxBegin = nc.Begin
		}
	}

	if err := w.store.InsertBatch(ctx, normalized); err != nil {
		return 0, err
	}

	// The checkpoint is a cache optimization over max(begin) in the store.
	// If it cannot advance, the next run falls back to the store.
	if _, err := w.checkpoints.Advance(ctx, ticker.Symbol, tf, maxBegin); err != nil {
		logger.Warn().Err(err).Msg("checkpoint advance failed; store fallback will recover")
	}

	w.metrics.RecordCollectorPage(string(tf))
	logger.Info().Int("candles", len(normalized)).Time("max_begin", maxBegin).Msg("candle page collected")
	return len(normalized), nil
}

// resolveFrom picks the next fetch boundary: one second past the newest
// collected candle, from cache when available, from the store otherwise. A
// series never collected before starts from the zero time, which the
// upstream treats as listing start.
func (w *Worker) resolveFrom(ctx context.Context, logger zerolog.Logger, symbol string, tf market.Timeframe) (time.Time, error) {
	cp, err := w.checkpoints.Get(ctx, symbol, tf)
	if err != nil {
		logger.Warn().Err(err).Msg("checkpoint read failed; falling back to analytical store")
		w.metrics.RecordCacheMiss(metrics.TierCheckpoint)
		cp, err = w.store.LastBegin(ctx, symbol, tf)
		if err != nil {
			return time.Time{}, err
		}
	} else if cp != nil {
		w.metrics.RecordCacheHit(metrics.TierCheckpoint)
	} else {
		w.metrics.RecordCacheMiss(metrics.TierCheckpoint)
		cp, err = w.store.LastBegin(ctx, symbol, tf)
		if err != nil {
			return time.Time{}, err
		}
	}
	if cp == nil {
		return time.Time{}, nil
	}
	return cp.Add(time.Second), nil
}
