// Package collector fills the analytical candle store from the upstream
// exchange API. A scheduler fans (ticker, timeframe) tasks out onto the
// tasks topic and refreshes instrument reference data from the securities
// endpoint; workers consume the tasks, page candles forward from a
// per-series checkpoint, and republish the task while the upstream keeps
// returning rows.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/upstream/moex"
)

// SecuritySource lists instrument reference rows for a board.
// *moex.Client satisfies it.
type SecuritySource interface {
	Securities(ctx context.Context, board string) ([]moex.Security, error)
}

// checkpointSink is the slice of the cache checkpoint store the scheduler
// needs for state sync.
type checkpointSink interface {
	Advance(ctx context.Context, ticker string, timeframe market.Timeframe, begin time.Time) (bool, error)
}

// SchedulerConfig selects which series get collected and which board the
// reference sync reads.
type SchedulerConfig struct {
	MarketCode string
	Board      string
	Timeframes []market.Timeframe
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MarketCode == "" {
		c.MarketCode = "shares"
	}
	if c.Board == "" {
		c.Board = "TQBR"
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = market.Timeframes
	}
	return c
}

// Scheduler enqueues collection tasks, syncs instrument reference data and
// reconciles cache checkpoints against the analytical store.
type Scheduler struct {
	cfg         SchedulerConfig
	source      SecuritySource
	tickers     persistence.TickersRepo
	store       persistence.CandlesStore
	checkpoints checkpointSink
	publisher   bus.Publisher
	log         zerolog.Logger
}

// NewScheduler wires the scheduler's dependencies.
func NewScheduler(cfg SchedulerConfig, source SecuritySource, tickers persistence.TickersRepo, store persistence.CandlesStore, checkpoints checkpointSink, publisher bus.Publisher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		source:      source,
		tickers:     tickers,
		store:       store,
		checkpoints: checkpoints,
		publisher:   publisher,
		log:         logger,
	}
}

// EnqueueTasks emits one collection task per (active ticker, timeframe)
// pair. Individual produce failures do not stop the fan-out; they are
// aggregated and returned after the full pass.
func (s *Scheduler) EnqueueTasks(ctx context.Context) (int, error) {
	tickers, err := s.tickers.ListActive(ctx, s.cfg.MarketCode)
	if err != nil {
		return 0, fmt.Errorf("list active tickers: %w", err)
	}

	var merr *multierror.Error
	enqueued := 0
	for _, t := range tickers {
		for _, tf := range s.cfg.Timeframes {
			task := bus.CollectorTask{
				TaskType: bus.TaskCollectCandles,
				Ticker:   t.Symbol,
				Params:   map[string]string{"timeframe": string(tf)},
			}
			if err := s.publisher.ProduceJSON(ctx, bus.TopicCollectorTasks, task.Key(), task); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("enqueue %s/%s: %w", t.Symbol, tf, err))
				continue
			}
			enqueued++
		}
	}

	s.log.Info().
		Int("tickers", len(tickers)).
		Int("enqueued", enqueued).
		Str("market", s.cfg.MarketCode).
		Msg("collection tasks enqueued")
	return enqueued, merr.ErrorOrNil()
}

// SyncState raises cache checkpoints to max(begin) per series in the
// analytical store. A checkpoint that is already ahead stays untouched, so
// the sync is safe to run while workers are collecting.
func (s *Scheduler) SyncState(ctx context.Context) (int, error) {
	points, err := s.store.Checkpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("load store checkpoints: %w", err)
	}

	var merr *multierror.Error
	moved := 0
	for _, p := range points {
		ok, err := s.checkpoints.Advance(ctx, p.Ticker, p.Timeframe, p.Begin)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("sync %s/%s: %w", p.Ticker, p.Timeframe, err))
			continue
		}
		if ok {
			moved++
		}
	}

	s.log.Info().Int("series", len(points)).Int("moved", moved).Msg("checkpoint state synced")
	return moved, merr.ErrorOrNil()
}

// SyncTickers refreshes instrument reference data from the upstream
// securities endpoint. Rows that fail validation are skipped with a warning;
// upsert failures are aggregated so one bad instrument does not stop the
// pass.
func (s *Scheduler) SyncTickers(ctx context.Context) (int, error) {
	securities, err := s.source.Securities(ctx, s.cfg.Board)
	if err != nil {
		return 0, fmt.Errorf("list securities: %w", err)
	}

	var merr *multierror.Error
	synced := 0
	for _, sec := range securities {
		t := referenceTicker(sec)
		if err := t.Validate(); err != nil {
			s.log.Warn().Err(err).Str("symbol", sec.Symbol).Msg("skipping invalid security")
			continue
		}
		if err := s.tickers.UpsertReference(ctx, s.cfg.MarketCode, t); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("upsert %s: %w", sec.Symbol, err))
			continue
		}
		synced++
	}

	s.log.Info().
		Int("securities", len(securities)).
		Int("synced", synced).
		Str("board", s.cfg.Board).
		Msg("ticker reference synced")
	return synced, merr.ErrorOrNil()
}

// referenceTicker maps an exchange security row onto the tickers table
// shape. Boards that omit currency or list level get the main-board
// defaults. New instruments start active; the upsert never flips the flag
// back on existing rows.
func referenceTicker(sec moex.Security) market.Ticker {
	t := market.Ticker{
		Symbol:    sec.Symbol,
		LotSize:   sec.LotSize,
		MinStep:   sec.MinStep,
		Decimals:  sec.Decimals,
		Currency:  sec.Currency,
		IsActive:  true,
		ListLevel: sec.ListLevel,
	}
	if t.Currency == "" {
		t.Currency = "RUB"
	}
	if t.ListLevel == 0 {
		t.ListLevel = 3
	}
	return t
}
