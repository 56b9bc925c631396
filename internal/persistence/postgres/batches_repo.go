package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/persistence"
)

const batchColumns = `id, user_id, description, status, total_count,
	completed_count, failed_count, created_at, updated_at`

type batchesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBatchesRepo creates the PostgreSQL batches repository.
func NewBatchesRepo(db *sqlx.DB, timeout time.Duration) persistence.BatchesRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &batchesRepo{db: db, timeout: timeout}
}

func (r *batchesRepo) CreateWithJobs(ctx context.Context, batch *persistence.BacktestBatch, jobs []*persistence.BacktestJob) error {
	if len(jobs) != batch.TotalCount {
		return fmt.Errorf("batch total_count %d does not match %d jobs", batch.TotalCount, len(jobs))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin batch transaction")
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO backtest_batches (id, user_id, description, status, total_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		batch.ID, batch.UserID, batch.Description, batch.Status, batch.TotalCount).
		Scan(&batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return classify(err, "insert backtest batch")
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO backtest_jobs (
			id, user_id, strategy_id, ticker, timeframe, start_date, end_date,
			status, strategy_definition_snapshot, simulation_params, batch_id,
			counts_towards_limit, skip_indicator_check)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`)
	if err != nil {
		return classify(err, "prepare batch job insert")
	}
	defer stmt.Close()

	for _, job := range jobs {
		err = stmt.QueryRowxContext(ctx,
			job.ID, job.UserID, job.StrategyID, job.Ticker, job.Timeframe,
			job.StartDate, job.EndDate, job.Status, []byte(job.StrategySnapshot),
			[]byte(job.SimulationParams), job.BatchID, job.CountsTowardsLimit,
			job.SkipIndicatorCheck).
			Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return classify(err, "insert batch job")
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit batch transaction")
	}
	return nil
}

func (r *batchesRepo) Get(ctx context.Context, id uuid.UUID) (*persistence.BacktestBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var batch persistence.BacktestBatch
	err := r.db.GetContext(ctx, &batch,
		`SELECT `+batchColumns+` FROM backtest_batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get backtest batch")
	}
	return &batch, nil
}

// RecordChildOutcome bumps one counter and derives the batch status in a
// single statement. The CASE reads the pre-update counters (PostgreSQL
// evaluates the SET list against the old row), so the terminal status is
// decided by whichever child lands last. The WHERE guard keeps already
// terminal batches untouched, making redelivered outcomes no-ops.
func (r *batchesRepo) RecordChildOutcome(ctx context.Context, id uuid.UUID, succeeded bool) (*persistence.BacktestBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	completedInc, failedInc := 0, 0
	if succeeded {
		completedInc = 1
	} else {
		failedInc = 1
	}

	query := `
		UPDATE backtest_batches
		SET completed_count = completed_count + $2,
		    failed_count    = failed_count + $3,
		    status = CASE
		        WHEN completed_count + failed_count + 1 >= total_count THEN
		            CASE
		                WHEN completed_count + $2 >= total_count THEN $4
		                WHEN failed_count + $3 >= total_count THEN $5
		                ELSE $6
		            END
		        ELSE $7
		    END,
		    updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ($4, $5, $6)
		  AND completed_count + failed_count < total_count
		RETURNING ` + batchColumns

	var batch persistence.BacktestBatch
	err := r.db.QueryRowxContext(ctx, query,
		id, completedInc, failedInc,
		persistence.BatchCompleted, persistence.BatchFailed,
		persistence.BatchPartiallyFailed, persistence.BatchRunning).
		StructScan(&batch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "record batch child outcome")
	}
	return &batch, nil
}
