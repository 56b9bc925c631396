package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/backtest"
	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/cache"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/persistence"
)

// ErrQuotaExceeded rejects a submission that would push either the daily or
// the concurrent backtest counter over the user's tier limit. The API edge
// maps it to HTTP 429.
var ErrQuotaExceeded = errors.New("backtest quota exceeded")

// ChildRequest is one requested backtest inside a batch submission.
type ChildRequest struct {
	StrategyID       uuid.UUID       `json:"strategy_id"`
	Ticker           string          `json:"ticker"`
	Timeframe        string          `json:"timeframe"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          time.Time       `json:"end_date"`
	SimulationParams json.RawMessage `json:"simulation_params"`
}

// Submission is a user's batch of backtests.
type Submission struct {
	UserID      uuid.UUID
	Description string
	Children    []ChildRequest
}

// CoordinatorConfig bounds what a single submission may ask for.
type CoordinatorConfig struct {
	// MaxBatchSize caps the number of children per submission.
	MaxBatchSize int

	// MaxRangeYears caps each child's simulated date range.
	MaxRangeYears int

	// Limits are the user's tier quota bounds.
	Limits cache.Limits
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MaxRangeYears <= 0 {
		c.MaxRangeYears = 5
	}
	return c
}

// quotaKeeper reserves and releases backtest quota slots. Satisfied by
// *cache.QuotaKeeper.
type quotaKeeper interface {
	Reserve(ctx context.Context, userID uuid.UUID, n int, now time.Time, limits cache.Limits) (cache.Decision, error)
	ReleaseRunning(ctx context.Context, userID uuid.UUID, n int) (int, error)
}

// Coordinator turns a batch submission into persisted rows plus one request
// event per runnable child. Children that fail validation are created
// directly in FAILED state so the batch total always matches what the user
// asked for, and never burn quota.
type Coordinator struct {
	cfg        CoordinatorConfig
	strategies persistence.StrategiesRepo
	tickers    persistence.TickersRepo
	batches    persistence.BatchesRepo
	quota      quotaKeeper
	pub        bus.Publisher
	now        func() time.Time
	log        zerolog.Logger
}

func NewCoordinator(
	cfg CoordinatorConfig,
	strategies persistence.StrategiesRepo,
	tickers persistence.TickersRepo,
	batches persistence.BatchesRepo,
	quota quotaKeeper,
	pub bus.Publisher,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg.withDefaults(),
		strategies: strategies,
		tickers:    tickers,
		batches:    batches,
		quota:      quota,
		pub:        pub,
		now:        time.Now,
		log:        log.With().Str("component", "coordinator").Logger(),
	}
}

// Submit validates, persists and kicks off a batch. The batch row and every
// child job land in one transaction; request events go out afterwards, so a
// publish failure leaves PENDING rows behind rather than phantom events. The
// returned batch is non-nil whenever rows were written, even if some events
// failed to publish.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (*persistence.BacktestBatch, error) {
	if sub.UserID == uuid.Nil {
		return nil, errs.Validationf("submission without user id")
	}
	if len(sub.Children) == 0 {
		return nil, errs.Validationf("batch must contain at least one backtest")
	}
	if len(sub.Children) > c.cfg.MaxBatchSize {
		return nil, errs.Validationf("batch size %d exceeds the limit of %d", len(sub.Children), c.cfg.MaxBatchSize)
	}

	batchID := uuid.New()
	children := make([]*persistence.BacktestJob, 0, len(sub.Children))
	runnable := 0
	for _, req := range sub.Children {
		job, err := c.buildChild(ctx, sub.UserID, batchID, req)
		if err != nil {
			return nil, err
		}
		if job.Status == persistence.JobPending {
			runnable++
		}
		children = append(children, job)
	}

	if runnable > 0 {
		decision, err := c.quota.Reserve(ctx, sub.UserID, runnable, c.now(), c.cfg.Limits)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: daily %d/%d, running %d/%d",
				ErrQuotaExceeded,
				decision.Daily, c.cfg.Limits.DailyBacktests,
				decision.Running, c.cfg.Limits.RunningBacktests)
		}
	}

	batch := &persistence.BacktestBatch{
		ID:          batchID,
		UserID:      sub.UserID,
		Description: sub.Description,
		Status:      persistence.BatchPending,
		TotalCount:  len(children),
	}
	if err := c.batches.CreateWithJobs(ctx, batch, children); err != nil {
		// Hand the reserved slots back; the daily counter stays spent, its
		// key expires on its own.
		if runnable > 0 {
			if _, relErr := c.quota.ReleaseRunning(ctx, sub.UserID, runnable); relErr != nil {
				c.log.Warn().Err(relErr).Stringer("user_id", sub.UserID).Msg("quota slots not returned after failed create")
			}
		}
		return nil, err
	}

	log := c.log.With().Stringer("batch_id", batchID).Stringer("user_id", sub.UserID).Logger()

	var merr *multierror.Error
	for _, job := range children {
		if job.Status != persistence.JobPending {
			// Pre-failed child: fold it into the batch counters now, it
			// will never produce an orchestrator event.
			if _, err := c.batches.RecordChildOutcome(ctx, batchID, false); err != nil {
				log.Error().Err(err).Stringer("job_id", job.ID).Msg("pre-failed child not recorded on batch")
			}
			continue
		}
		event := bus.BacktestRequest{JobID: job.ID}
		if err := c.pub.ProduceJSON(ctx, bus.TopicBacktestRequests, job.ID.String(), event); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}

	log.Info().
		Int("children", len(children)).
		Int("runnable", runnable).
		Msg("batch submitted")
	return batch, merr.ErrorOrNil()
}

// buildChild validates one requested child. Validation problems come back as
// a pre-failed job row; only infrastructure errors propagate.
func (c *Coordinator) buildChild(ctx context.Context, userID, batchID uuid.UUID, req ChildRequest) (*persistence.BacktestJob, error) {
	job := &persistence.BacktestJob{
		ID:                 uuid.New(),
		UserID:             userID,
		StrategyID:         req.StrategyID,
		Ticker:             req.Ticker,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Status:             persistence.JobPending,
		SimulationParams:   req.SimulationParams,
		BatchID:            &batchID,
		CountsTowardsLimit: true,
	}

	fail := func(reason string) *persistence.BacktestJob {
		job.Status = persistence.JobFailed
		job.ErrorMessage = &reason
		job.CountsTowardsLimit = false
		return job
	}

	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return fail(fmt.Sprintf("Unknown timeframe %q.", req.Timeframe)), nil
	}
	job.Timeframe = tf

	if !req.EndDate.After(req.StartDate) {
		return fail("Start date must precede end date."), nil
	}
	if req.StartDate.AddDate(c.cfg.MaxRangeYears, 0, 0).Before(req.EndDate) {
		return fail(fmt.Sprintf("Date range exceeds the %d year limit.", c.cfg.MaxRangeYears)), nil
	}

	strat, err := c.strategies.GetForUser(ctx, req.StrategyID, userID)
	if err != nil {
		return nil, err
	}
	if strat == nil {
		return fail("Strategy not found."), nil
	}
	if _, err := strat.Parse(); err != nil {
		return fail(errs.UserMessage(err)), nil
	}
	job.StrategySnapshot = strat.Definition

	ticker, err := c.tickers.GetBySymbol(ctx, req.Ticker)
	if err != nil {
		return nil, err
	}
	if ticker == nil {
		return fail(fmt.Sprintf("Unknown ticker %q.", req.Ticker)), nil
	}

	var cfg backtest.Config
	if len(req.SimulationParams) == 0 {
		return fail("Simulation parameters are required."), nil
	}
	if err := json.Unmarshal(req.SimulationParams, &cfg); err != nil {
		return fail("Simulation parameters are not valid JSON."), nil
	}
	if err := cfg.Validate(); err != nil {
		return fail(errs.UserMessage(err)), nil
	}

	return job, nil
}
