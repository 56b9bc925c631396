// Package jobs drives backtest jobs through their lifecycle: batch
// submission fans a request out into child jobs, and the orchestrator takes
// each job from PENDING through data checks and simulation to a terminal
// COMPLETED or FAILED row. Terminal states are sticky, so every path here
// tolerates redelivery of the message that triggered it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/backtest"
	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

// quotaReleaser returns concurrent-run slots when a counted job reaches a
// terminal state. Satisfied by *cache.QuotaKeeper.
type quotaReleaser interface {
	ReleaseRunning(ctx context.Context, userID uuid.UUID, n int) (int, error)
}

// Orchestrator consumes backtest request events and runs the job state
// machine. A job message arrives up to three ways: the initial submission,
// a CALCULATION_SUCCESS re-entry after batch indicator computation, and a
// CALCULATION_FAILURE verdict. All three converge on the same run path.
type Orchestrator struct {
	jobs    persistence.JobsRepo
	batches persistence.BatchesRepo
	tickers persistence.TickersRepo
	candles persistence.CandlesStore
	series  persistence.SeriesStore
	defs    *strategy.DefinitionCache
	quota   quotaReleaser
	pub     bus.Publisher
	sim     *backtest.Simulator
	metrics *metrics.Registry
	log     zerolog.Logger
}

func NewOrchestrator(
	jobs persistence.JobsRepo,
	batches persistence.BatchesRepo,
	tickers persistence.TickersRepo,
	candles persistence.CandlesStore,
	series persistence.SeriesStore,
	defs *strategy.DefinitionCache,
	quota quotaReleaser,
	pub bus.Publisher,
	sim *backtest.Simulator,
	m *metrics.Registry,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:    jobs,
		batches: batches,
		tickers: tickers,
		candles: candles,
		series:  series,
		defs:    defs,
		quota:   quota,
		pub:     pub,
		sim:     sim,
		metrics: m,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
}

// Handle processes one backtest request event.
func (o *Orchestrator) Handle(ctx context.Context, msg *bus.Message) (int, error) {
	var req bus.BacktestRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return 0, errs.FatalWrap(err, "decode backtest request")
	}
	if req.JobID == uuid.Nil {
		return 0, errs.Fatalf("backtest request without job id")
	}

	log := o.log.With().Stringer("job_id", req.JobID).Logger()

	switch req.Status {
	case "":
		// Initial submission.
	case bus.StatusCalculationSuccess:
		// Batch computation answered for this job. Persist the skip flag
		// before running so a crash between here and the simulation does
		// not loop the job through another calculation round.
		if err := o.jobs.SetSkipIndicatorCheck(ctx, req.JobID, true); err != nil {
			return 0, err
		}
	case bus.StatusCalculationFailure:
		return 0, o.calculationFailed(ctx, log, req.JobID)
	default:
		return 0, errs.Fatalf("unknown backtest request status %q", req.Status)
	}

	return 0, o.run(ctx, log, req.JobID, msg.Attempt)
}

// calculationFailed finalizes a job whose indicator computation could not
// produce the requested series.
func (o *Orchestrator) calculationFailed(ctx context.Context, log zerolog.Logger, jobID uuid.UUID) error {
	job, err := o.jobs.AcquireForRun(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Info().Msg("calculation failure for a finished job, ignoring")
		return nil
	}
	log.Warn().Msg("indicator calculation failed, failing job")
	return o.finishFailed(ctx, log, job, "Indicator calculation failed for the requested strategy.")
}

// run advances a job as far as its data allows: straight to simulation when
// everything is in place, to a calculation request when indicator series are
// missing, or to FAILED when the market data cannot support the run.
func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, jobID uuid.UUID, attempt int) error {
	job, err := o.jobs.AcquireForRun(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Info().Msg("job missing or already terminal, nothing to run")
		return nil
	}

	def, reqs, err := o.definition(job)
	if err != nil {
		if errs.IsValidation(err) {
			return o.finishFailed(ctx, log, job, errs.UserMessage(err))
		}
		return err
	}

	ticker, err := o.tickers.GetBySymbol(ctx, job.Ticker)
	if err != nil {
		return err
	}
	if ticker == nil {
		return o.finishFailed(ctx, log, job, fmt.Sprintf("Unknown ticker %q.", job.Ticker))
	}

	report, err := o.series.Availability(ctx, persistence.AvailabilityQuery{
		Ticker:        job.Ticker,
		Timeframe:     job.Timeframe,
		Start:         job.StartDate,
		End:           job.EndDate,
		MaxLookback:   reqs.MaxLookback,
		IndicatorKeys: reqs.Keys(),
	})
	if err != nil {
		return err
	}

	if !report.Runnable(reqs.MaxLookback) {
		return o.finishFailed(ctx, log, job, insufficiencyMessage(reqs.MaxLookback, report))
	}

	if !job.SkipIndicatorCheck {
		if missing := report.MissingIndicators(reqs.Keys()); len(missing) > 0 {
			return o.requestCalculation(ctx, log, job, reqs, report, missing)
		}
	}

	return o.simulate(ctx, log, job, def, reqs, report, ticker, attempt)
}

// definition returns the parsed strategy for the job. Definitions are
// snapshotted per job at submission, so the cache keys by job id; a second
// delivery of the same job reuses the parse.
func (o *Orchestrator) definition(job *persistence.BacktestJob) (*strategy.Definition, strategy.Requirements, error) {
	if def, reqs, ok := o.defs.Get(job.ID); ok {
		return def, reqs, nil
	}
	def, err := strategy.ParseDefinition(job.StrategySnapshot)
	if err != nil {
		return nil, strategy.Requirements{}, err
	}
	if err := o.defs.Put(job.ID, def); err != nil {
		return nil, strategy.Requirements{}, err
	}
	def, reqs, _ := o.defs.Get(job.ID)
	return def, reqs, nil
}

// requestCalculation emits a calculation request covering the indicator keys
// the series store has not fully materialized. The job stays RUNNING; the
// batch worker's answer re-enters this consumer with a status verdict.
func (o *Orchestrator) requestCalculation(
	ctx context.Context,
	log zerolog.Logger,
	job *persistence.BacktestJob,
	reqs strategy.Requirements,
	report *persistence.AvailabilityReport,
	missing []string,
) error {
	from := job.StartDate
	if report.WarmupStart != nil {
		from = *report.WarmupStart
	}
	envelope := calculationRequest(job, pickIndicators(reqs, missing), from)
	if err := o.pub.ProduceJSON(ctx, bus.TopicCalcRequests, job.ID.String(), envelope); err != nil {
		return err
	}
	log.Info().
		Strs("missing", missing).
		Time("from", from).
		Msg("indicator coverage incomplete, calculation requested")
	return nil
}

// simulate loads the windowed dataset, runs the simulation and persists the
// result. The window starts at the warm-up boundary so indicator-dependent
// conditions have settled values by the first scored candle.
func (o *Orchestrator) simulate(
	ctx context.Context,
	log zerolog.Logger,
	job *persistence.BacktestJob,
	def *strategy.Definition,
	reqs strategy.Requirements,
	report *persistence.AvailabilityReport,
	ticker *market.Ticker,
	attempt int,
) error {
	from := job.StartDate
	if report.WarmupStart != nil {
		from = *report.WarmupStart
	}

	candles, err := o.candles.LoadRange(ctx, job.Ticker, job.Timeframe, from, job.EndDate)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return o.finishFailed(ctx, log, job, fmt.Sprintf("No market data available for %s/%s.", job.Ticker, job.Timeframe))
	}

	frame := backtest.NewFrame(job.Ticker, job.Timeframe, candles)
	keys := reqs.Keys()
	if len(keys) > 0 {
		series, err := o.series.LoadSeries(ctx, job.Ticker, job.Timeframe, keys, from, job.EndDate)
		if err != nil {
			return err
		}
		for key, points := range series {
			if err := frame.MergeIndicator(key, points); err != nil {
				return o.finishFailed(ctx, log, job, errs.UserMessage(err))
			}
		}
	}
	frame.MarkSimStart(job.StartDate)

	var cfg backtest.Config
	if err := json.Unmarshal(job.SimulationParams, &cfg); err != nil {
		return o.finishFailed(ctx, log, job, "Simulation parameters are not valid JSON.")
	}

	started := time.Now()
	res, err := o.sim.Run(ctx, frame, def, cfg, *ticker)
	if err != nil {
		var bex *errs.BacktestExecutionError
		switch {
		case errors.As(err, &bex) && bex.Timeout:
			if attempt == 0 {
				// First delivery: let the runtime back off and retry once,
				// the timeout may be load-induced.
				return err
			}
			log.Warn().Dur("elapsed", bex.Elapsed).Msg("simulation timed out again, failing job")
			return o.finishFailed(ctx, log, job, "Simulation exceeded the configured time limit.")
		case errs.IsValidation(err):
			return o.finishFailed(ctx, log, job, errs.UserMessage(err))
		default:
			return err
		}
	}

	o.metrics.ObserveSimulation(time.Since(started), res.SimulatedCandles, len(res.Trades))

	metricsJSON, err := json.Marshal(res.Summary)
	if err != nil {
		return errs.FatalWrap(err, "encode result summary")
	}
	tradesJSON, err := json.Marshal(res.Trades)
	if err != nil {
		return errs.FatalWrap(err, "encode result trades")
	}
	if err := o.jobs.CompleteWithResult(ctx, &persistence.BacktestResult{
		JobID:   job.ID,
		Metrics: metricsJSON,
		Trades:  tradesJSON,
	}); err != nil {
		return err
	}

	log.Info().
		Int("trades", len(res.Trades)).
		Int("simulated_candles", res.SimulatedCandles).
		Float64("net_profit_pct", res.Summary.NetProfitPct).
		Msg("backtest completed")

	o.settle(ctx, log, job, true)
	return nil
}

// finishFailed moves the job to FAILED with a user-facing message, then
// settles the batch and quota bookkeeping. A failed MarkFailed propagates so
// the message redelivers; the run is deterministic, so the retry converges.
func (o *Orchestrator) finishFailed(ctx context.Context, log zerolog.Logger, job *persistence.BacktestJob, message string) error {
	if err := o.jobs.MarkFailed(ctx, job.ID, message); err != nil {
		return err
	}
	log.Info().Str("reason", message).Msg("backtest failed")
	o.settle(ctx, log, job, false)
	return nil
}

// settle records the child outcome on the parent batch and releases the
// concurrent-run quota slot. Both are projections of the job's terminal
// state: failures here are logged, not retried, because redelivering the
// message would re-count the outcome.
func (o *Orchestrator) settle(ctx context.Context, log zerolog.Logger, job *persistence.BacktestJob, succeeded bool) {
	if job.BatchID != nil {
		batch, err := o.batches.RecordChildOutcome(ctx, *job.BatchID, succeeded)
		switch {
		case err != nil:
			log.Error().Err(err).Stringer("batch_id", *job.BatchID).Msg("batch outcome not recorded")
		case batch != nil && batch.Status.Terminal():
			log.Info().
				Stringer("batch_id", batch.ID).
				Str("batch_status", string(batch.Status)).
				Int("completed", batch.CompletedCount).
				Int("failed", batch.FailedCount).
				Msg("batch finished")
		}
	}
	if job.CountsTowardsLimit {
		if _, err := o.quota.ReleaseRunning(ctx, job.UserID, 1); err != nil {
			log.Warn().Err(err).Msg("running quota slot not released")
		}
	}
}

// insufficiencyMessage renders the user-facing explanation for a job whose
// market data cannot cover the strategy's warm-up needs.
func insufficiencyMessage(maxLookback int, report *persistence.AvailabilityReport) string {
	if report.PeriodFirstCandle == nil {
		return "No market data is available for the requested period."
	}
	earliest := "unknown"
	if report.EarliestCandle != nil {
		earliest = report.EarliestCandle.Format(time.RFC3339)
	}
	return fmt.Sprintf("Insufficient warm-up data: required %d, available %d. Earliest candle is %s.",
		maxLookback, report.LookbackCount, earliest)
}
