// Package persistence declares the storage contracts: the relational store
// is authoritative for users, strategies, jobs, results and batches; the
// analytical store holds bulk candles and materialized indicator series.
// Implementations live in the postgres and clickhouse subpackages.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

// JobStatus is the backtest job lifecycle. Terminal states are sticky: no
// statement may move a job out of COMPLETED or FAILED.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// BatchStatus is the aggregate batch lifecycle, derived from child counters.
type BatchStatus string

const (
	BatchPending         BatchStatus = "PENDING"
	BatchRunning         BatchStatus = "RUNNING"
	BatchCompleted       BatchStatus = "COMPLETED"
	BatchFailed          BatchStatus = "FAILED"
	BatchPartiallyFailed BatchStatus = "PARTIALLY_FAILED"
)

// Terminal reports whether the batch status is final.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchPartiallyFailed
}

// BacktestJob is the authoritative job row. The strategy definition and
// simulation params are snapshotted at submission so later strategy edits
// cannot change a queued job.
type BacktestJob struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	UserID             uuid.UUID        `db:"user_id" json:"user_id"`
	StrategyID         uuid.UUID        `db:"strategy_id" json:"strategy_id"`
	Ticker             string           `db:"ticker" json:"ticker"`
	Timeframe          market.Timeframe `db:"timeframe" json:"timeframe"`
	StartDate          time.Time        `db:"start_date" json:"start_date"`
	EndDate            time.Time        `db:"end_date" json:"end_date"`
	Status             JobStatus        `db:"status" json:"status"`
	StrategySnapshot   json.RawMessage  `db:"strategy_definition_snapshot" json:"strategy_definition_snapshot"`
	SimulationParams   json.RawMessage  `db:"simulation_params" json:"simulation_params"`
	BatchID            *uuid.UUID       `db:"batch_id" json:"batch_id,omitempty"`
	CountsTowardsLimit bool             `db:"counts_towards_limit" json:"counts_towards_limit"`
	SkipIndicatorCheck bool             `db:"skip_indicator_check" json:"skip_indicator_check"`
	ErrorMessage       *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// BacktestResult stores the simulator output for a completed job. Metrics
// and the trade ledger stay as JSONB blobs; the API tier renders them as-is.
type BacktestResult struct {
	JobID     uuid.UUID       `db:"job_id" json:"job_id"`
	Metrics   json.RawMessage `db:"metrics" json:"metrics"`
	Trades    json.RawMessage `db:"trades" json:"trades"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// BacktestBatch groups child jobs submitted together. Counters only grow;
// completed_count + failed_count never exceeds total_count and once they
// reach it the derived status is immutable.
type BacktestBatch struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	UserID         uuid.UUID   `db:"user_id" json:"user_id"`
	Description    string      `db:"description" json:"description"`
	Status         BatchStatus `db:"status" json:"status"`
	TotalCount     int         `db:"total_count" json:"total_count"`
	CompletedCount int         `db:"completed_count" json:"completed_count"`
	FailedCount    int         `db:"failed_count" json:"failed_count"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// JobsRepo persists backtest jobs and their results.
type JobsRepo interface {
	// Create inserts a job row, including pre-failed rows created directly
	// in FAILED when validation rejected the request up front.
	Create(ctx context.Context, job *BacktestJob) error

	// Get returns the job or nil when it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*BacktestJob, error)

	// AcquireForRun atomically moves the job to RUNNING and returns it.
	// Returns nil without error when the job is missing or already terminal,
	// which makes redelivered events a no-op.
	AcquireForRun(ctx context.Context, id uuid.UUID) (*BacktestJob, error)

	// SetSkipIndicatorCheck flips the re-entrance flag set by a calculation
	// response so the next pass goes straight to simulation.
	SetSkipIndicatorCheck(ctx context.Context, id uuid.UUID, skip bool) error

	// MarkFailed finalizes the job with a user-facing message. Terminal
	// states stay untouched.
	MarkFailed(ctx context.Context, id uuid.UUID, userMessage string) error

	// CompleteWithResult writes the result and moves the job to COMPLETED in
	// one transaction. Re-running a completed persist is an upsert.
	CompleteWithResult(ctx context.Context, result *BacktestResult) error
}

// BatchesRepo persists batch groups and their counter transitions.
type BatchesRepo interface {
	// CreateWithJobs inserts the batch row and all child jobs in a single
	// transaction.
	CreateWithJobs(ctx context.Context, batch *BacktestBatch, jobs []*BacktestJob) error

	// Get returns the batch or nil when absent.
	Get(ctx context.Context, id uuid.UUID) (*BacktestBatch, error)

	// RecordChildOutcome increments exactly one counter and re-derives the
	// aggregate status in a single conditional statement, so parallel
	// children cannot lose updates. Returns the post-update row, or nil when
	// the batch was already terminal.
	RecordChildOutcome(ctx context.Context, id uuid.UUID, succeeded bool) (*BacktestBatch, error)
}

// StrategiesRepo reads stored strategies. Writes happen at the API edge,
// outside this core.
type StrategiesRepo interface {
	// GetForUser returns the strategy when it exists, belongs to the user
	// and is not soft-deleted; nil otherwise.
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*strategy.Strategy, error)
}

// TickersRepo holds instrument reference data. Reads serve every worker;
// the only write is the periodic reference sync from the upstream exchange.
type TickersRepo interface {
	// GetBySymbol returns the ticker or nil when unknown.
	GetBySymbol(ctx context.Context, symbol string) (*market.Ticker, error)

	// ListActive returns active tickers for a market code, ordered by
	// symbol.
	ListActive(ctx context.Context, marketCode string) ([]market.Ticker, error)

	// UpsertReference inserts the ticker under the named market or
	// refreshes its grid columns (lot_size, min_step, decimals, currency,
	// list_level). The activity flag is set on insert only: deactivations
	// are operator decisions the sync must not undo.
	UpsertReference(ctx context.Context, marketCode string, t market.Ticker) error
}

// SeriesCheckpoint mirrors max(begin) per series key, used by the collector
// state sync.
type SeriesCheckpoint struct {
	Ticker    string           `db:"ticker"`
	Timeframe market.Timeframe `db:"timeframe"`
	Begin     time.Time        `db:"begin"`
}

// CandlesStore is the analytical base-candle table.
type CandlesStore interface {
	// InsertBatch upserts candles by (ticker, timeframe, begin). Batches are
	// capped by the partition-safety limit.
	InsertBatch(ctx context.Context, candles []market.Candle) error

	// LastBegin returns the newest begin for a series, or nil when the
	// series is empty. Fallback source for the cache checkpoint.
	LastBegin(ctx context.Context, ticker string, timeframe market.Timeframe) (*time.Time, error)

	// LoadRange returns candles with begin in [from, to], ordered ascending.
	LoadRange(ctx context.Context, ticker string, timeframe market.Timeframe, from, to time.Time) ([]market.Candle, error)

	// LoadLast returns the most recent n candles ordered ascending. Fallback
	// source for the rolling context.
	LoadLast(ctx context.Context, ticker string, timeframe market.Timeframe, n int) ([]market.Candle, error)

	// Checkpoints returns max(begin) grouped by (ticker, timeframe) for the
	// collector state sync.
	Checkpoints(ctx context.Context) ([]SeriesCheckpoint, error)
}

// AvailabilityQuery describes one data-availability check.
type AvailabilityQuery struct {
	Ticker        string
	Timeframe     market.Timeframe
	Start         time.Time
	End           time.Time
	MaxLookback   int
	IndicatorKeys []string
}

// AvailabilityReport answers whether a backtest window is runnable and, if
// not, what is missing.
type AvailabilityReport struct {
	PeriodFirstCandle *time.Time
	PeriodLastCandle  *time.Time
	PeriodCount       int

	// LookbackCount is the number of base candles before start, capped at
	// the requested max lookback. WarmupStart is the begin of the earliest
	// of those rows; calculation requests start there.
	LookbackCount int
	WarmupStart   *time.Time

	// EarliestCandle is the oldest base candle of the whole series, for the
	// user-facing insufficiency message.
	EarliestCandle *time.Time

	// IndicatorCoverage counts stored points per key over
	// [warmup_start, end].
	IndicatorCoverage map[string]int
}

// Runnable reports whether base data suffices: both period bounds present
// and enough warm-up candles.
func (r *AvailabilityReport) Runnable(maxLookback int) bool {
	return r.PeriodFirstCandle != nil && r.PeriodLastCandle != nil && r.LookbackCount >= maxLookback
}

// BaseCandleTotal is the number of base rows over [warmup_start, end], the
// yardstick indicator coverage is compared against.
func (r *AvailabilityReport) BaseCandleTotal() int {
	return r.LookbackCount + r.PeriodCount
}

// MissingIndicators returns the keys whose coverage falls short of the base
// candle total, sorted the way they were requested.
func (r *AvailabilityReport) MissingIndicators(keys []string) []string {
	total := r.BaseCandleTotal()
	var missing []string
	for _, key := range keys {
		if r.IndicatorCoverage[key] < total {
			missing = append(missing, key)
		}
	}
	return missing
}

// SeriesStore is the analytical indicator-series table (last-write-wins by
// version per (key, begin)).
type SeriesStore interface {
	// InsertPoints writes one series batch under a fresh monotonic version.
	InsertPoints(ctx context.Context, series market.IndicatorSeries) error

	// LoadSeries returns last-write-wins points per key over [from, to],
	// ordered by begin ascending.
	LoadSeries(ctx context.Context, ticker string, timeframe market.Timeframe, keys []string, from, to time.Time) (map[string][]market.IndicatorPoint, error)

	// Availability executes the data-availability check for one window.
	Availability(ctx context.Context, q AvailabilityQuery) (*AvailabilityReport, error)
}

// Repository aggregates the relational contracts for wiring.
type Repository struct {
	Jobs       JobsRepo
	Batches    BatchesRepo
	Strategies StrategiesRepo
	Tickers    TickersRepo
}

// Analytical aggregates the column-store contracts for wiring.
type Analytical struct {
	Candles CandlesStore
	Series  SeriesStore
}
