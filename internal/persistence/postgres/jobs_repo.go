package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/persistence"
)

const jobColumns = `id, user_id, strategy_id, ticker, timeframe, start_date, end_date,
	status, strategy_definition_snapshot, simulation_params, batch_id,
	counts_towards_limit, skip_indicator_check, error_message, created_at, updated_at`

type jobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobsRepo creates the PostgreSQL jobs repository.
func NewJobsRepo(db *sqlx.DB, timeout time.Duration) persistence.JobsRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &jobsRepo{db: db, timeout: timeout}
}

func (r *jobsRepo) Create(ctx context.Context, job *persistence.BacktestJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO backtest_jobs (
			id, user_id, strategy_id, ticker, timeframe, start_date, end_date,
			status, strategy_definition_snapshot, simulation_params, batch_id,
			counts_towards_limit, skip_indicator_check, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		job.ID, job.UserID, job.StrategyID, job.Ticker, job.Timeframe,
		job.StartDate, job.EndDate, job.Status, []byte(job.StrategySnapshot),
		[]byte(job.SimulationParams), job.BatchID, job.CountsTowardsLimit,
		job.SkipIndicatorCheck, job.ErrorMessage).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return classify(err, "insert backtest job")
	}
	return nil
}

func (r *jobsRepo) Get(ctx context.Context, id uuid.UUID) (*persistence.BacktestJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job persistence.BacktestJob
	err := r.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM backtest_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get backtest job")
	}
	return &job, nil
}

// AcquireForRun flips PENDING/RUNNING to RUNNING and returns the row. The
// WHERE clause is the whole admission check: terminal or missing jobs yield
// no row, which redelivered events read as "nothing to do".
func (r *jobsRepo) AcquireForRun(ctx context.Context, id uuid.UUID) (*persistence.BacktestJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE backtest_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING ` + jobColumns

	var job persistence.BacktestJob
	err := r.db.QueryRowxContext(ctx, query,
		id, persistence.JobRunning, persistence.JobPending, persistence.JobRunning).
		StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "acquire backtest job")
	}
	return &job, nil
}

func (r *jobsRepo) SetSkipIndicatorCheck(ctx context.Context, id uuid.UUID, skip bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE backtest_jobs SET skip_indicator_check = $2, updated_at = NOW() WHERE id = $1`,
		id, skip)
	if err != nil {
		return classify(err, "set skip_indicator_check")
	}
	return nil
}

func (r *jobsRepo) MarkFailed(ctx context.Context, id uuid.UUID, userMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE backtest_jobs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)`

	_, err := r.db.ExecContext(ctx, query,
		id, persistence.JobFailed, userMessage,
		persistence.JobCompleted, persistence.JobFailed)
	if err != nil {
		return classify(err, "mark backtest job failed")
	}
	return nil
}

// CompleteWithResult writes the result blob and the COMPLETED transition in
// one transaction. The result insert is an upsert so a redelivered persist
// phase converges instead of erroring.
func (r *jobsRepo) CompleteWithResult(ctx context.Context, result *persistence.BacktestResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin result transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_results (job_id, metrics, trades)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET metrics = EXCLUDED.metrics, trades = EXCLUDED.trades`,
		result.JobID, []byte(result.Metrics), []byte(result.Trades))
	if err != nil {
		return classify(err, "insert backtest result")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE backtest_jobs
		SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $3)`,
		result.JobID, persistence.JobCompleted, persistence.JobFailed)
	if err != nil {
		return classify(err, "complete backtest job")
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit result transaction")
	}
	return nil
}
