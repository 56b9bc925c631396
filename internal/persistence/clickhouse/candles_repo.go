package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/persistence"
)

type candlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	chunk   int
}

// NewCandlesRepo creates the analytical candle store. insertCap bounds rows
// per INSERT; zero or negative selects the default.
func NewCandlesRepo(db *sqlx.DB, timeout time.Duration, insertCap int) persistence.CandlesStore {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if insertCap <= 0 {
		insertCap = DefaultInsertCap
	}
	return &candlesRepo{db: db, timeout: timeout, chunk: insertCap}
}

// InsertBatch writes candles under one version so a replayed page
// deduplicates to the same rows. Large batches are chunked; each chunk is
// its own insert transaction, the std-driver batching unit.
func (r *candlesRepo) InsertBatch(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	version := uint64(time.Now().UnixNano())
	for start := 0; start < len(candles); start += r.chunk {
		end := start + r.chunk
		if end > len(candles) {
			end = len(candles)
		}
		if err := r.insertChunk(ctx, candles[start:end], version); err != nil {
			return err
		}
	}
	return nil
}

func (r *candlesRepo) insertChunk(ctx context.Context, candles []market.Candle, version uint64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin candle insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO candles_base (ticker, timeframe, begin, open, high, low, close, volume, value, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(err, "prepare candle insert")
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		_, err = stmt.ExecContext(ctx,
			c.Ticker, string(c.Timeframe), c.Begin,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Value, version)
		if err != nil {
			return classify(err, "insert candle")
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit candle insert")
	}
	return nil
}

func (r *candlesRepo) LastBegin(ctx context.Context, ticker string, timeframe market.Timeframe) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var begin time.Time
	err := r.db.GetContext(ctx, &begin, `
		SELECT begin FROM candles_base
		WHERE ticker = ? AND timeframe = ?
		ORDER BY begin DESC LIMIT 1`,
		ticker, string(timeframe))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get last candle begin")
	}
	return &begin, nil
}

func (r *candlesRepo) LoadRange(ctx context.Context, ticker string, timeframe market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var candles []market.Candle
	err := r.db.SelectContext(ctx, &candles, `
		SELECT ticker, timeframe, begin, open, high, low, close, volume, value
		FROM candles_base FINAL
		WHERE ticker = ? AND timeframe = ? AND begin >= ? AND begin <= ?
		ORDER BY begin`,
		ticker, string(timeframe), from, to)
	if err != nil {
		return nil, classify(err, "load candle range")
	}
	return candles, nil
}

func (r *candlesRepo) LoadLast(ctx context.Context, ticker string, timeframe market.Timeframe, n int) ([]market.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var candles []market.Candle
	err := r.db.SelectContext(ctx, &candles, `
		SELECT ticker, timeframe, begin, open, high, low, close, volume, value
		FROM (
			SELECT ticker, timeframe, begin, open, high, low, close, volume, value
			FROM candles_base FINAL
			WHERE ticker = ? AND timeframe = ?
			ORDER BY begin DESC LIMIT ?
		)
		ORDER BY begin`,
		ticker, string(timeframe), n)
	if err != nil {
		return nil, classify(err, "load last candles")
	}
	return candles, nil
}

func (r *candlesRepo) Checkpoints(ctx context.Context) ([]persistence.SeriesCheckpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var checkpoints []persistence.SeriesCheckpoint
	err := r.db.SelectContext(ctx, &checkpoints, `
		SELECT ticker, timeframe, max(begin) AS begin
		FROM candles_base
		GROUP BY ticker, timeframe`)
	if err != nil {
		return nil, classify(err, "load series checkpoints")
	}
	return checkpoints, nil
}
