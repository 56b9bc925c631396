package clickhouse

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/persistence"
)

type seriesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	chunk   int
}

// NewSeriesRepo creates the analytical indicator-series store. insertCap
// bounds points per INSERT; zero or negative selects the default.
func NewSeriesRepo(db *sqlx.DB, timeout time.Duration, insertCap int) persistence.SeriesStore {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if insertCap <= 0 {
		insertCap = DefaultInsertCap
	}
	return &seriesRepo{db: db, timeout: timeout, chunk: insertCap}
}

// InsertPoints writes one series under a fresh version; recalculated values
// for the same (key, begin) win over older inserts after deduplication.
func (r *seriesRepo) InsertPoints(ctx context.Context, series market.IndicatorSeries) error {
	if len(series.Points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	version := uint64(time.Now().UnixNano())
	for start := 0; start < len(series.Points); start += r.chunk {
		end := start + r.chunk
		if end > len(series.Points) {
			end = len(series.Points)
		}
		if err := r.insertChunk(ctx, series, series.Points[start:end], version); err != nil {
			return err
		}
	}
	return nil
}

func (r *seriesRepo) insertChunk(ctx context.Context, series market.IndicatorSeries, points []market.IndicatorPoint, version uint64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin series insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO candles_indicators (ticker, timeframe, indicator_key, begin, value, version)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(err, "prepare series insert")
	}
	defer stmt.Close()

	for i := range points {
		p := &points[i]
		_, err = stmt.ExecContext(ctx,
			series.Ticker, string(series.Timeframe), series.Key,
			p.Begin, p.Value, version)
		if err != nil {
			return classify(err, "insert series point")
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit series insert")
	}
	return nil
}

type seriesRow struct {
	Key   string    `db:"indicator_key"`
	Begin time.Time `db:"begin"`
	Value float64   `db:"value"`
}

func (r *seriesRepo) LoadSeries(ctx context.Context, ticker string, timeframe market.Timeframe, keys []string, from, to time.Time) (map[string][]market.IndicatorPoint, error) {
	out := make(map[string][]market.IndicatorPoint, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// sqlx.In expands to '?' placeholders, the native ClickHouse bindvar,
	// so no rebind pass is needed.
	query, args, err := sqlx.In(`
		SELECT indicator_key, begin, value
		FROM candles_indicators FINAL
		WHERE ticker = ? AND timeframe = ? AND indicator_key IN (?)
		  AND begin >= ? AND begin <= ?
		ORDER BY indicator_key, begin`,
		ticker, string(timeframe), keys, from, to)
	if err != nil {
		return nil, classify(err, "expand series key list")
	}

	var rows []seriesRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err, "load indicator series")
	}

	for _, row := range rows {
		out[row.Key] = append(out[row.Key], market.IndicatorPoint{Begin: row.Begin, Value: row.Value})
	}
	return out, nil
}

type windowStats struct {
	Count uint64    `db:"period_count"`
	First time.Time `db:"first_begin"`
	Last  time.Time `db:"last_begin"`
}

type coverageRow struct {
	Key    string `db:"indicator_key"`
	Points uint64 `db:"points"`
}

// Availability answers one data-availability check with three scans: period
// bounds and count, the warm-up tail before start, and per-key indicator
// coverage over [warmup_start, end]. Counts use count(DISTINCT begin) so
// unmerged duplicate versions never inflate them.
func (r *seriesRepo) Availability(ctx context.Context, q persistence.AvailabilityQuery) (*persistence.AvailabilityReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report := &persistence.AvailabilityReport{
		IndicatorCoverage: make(map[string]int, len(q.IndicatorKeys)),
	}

	var stats windowStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT count(DISTINCT begin) AS period_count,
		       min(begin) AS first_begin,
		       max(begin) AS last_begin
		FROM candles_base
		WHERE ticker = ? AND timeframe = ? AND begin >= ? AND begin <= ?`,
		q.Ticker, string(q.Timeframe), q.Start, q.End)
	if err != nil {
		return nil, classify(err, "count period candles")
	}
	if stats.Count > 0 {
		report.PeriodCount = int(stats.Count)
		first, last := stats.First, stats.Last
		report.PeriodFirstCandle = &first
		report.PeriodLastCandle = &last
	}

	var earliest windowStats
	err = r.db.GetContext(ctx, &earliest, `
		SELECT count(DISTINCT begin) AS period_count,
		       min(begin) AS first_begin,
		       max(begin) AS last_begin
		FROM candles_base
		WHERE ticker = ? AND timeframe = ?`,
		q.Ticker, string(q.Timeframe))
	if err != nil {
		return nil, classify(err, "find earliest candle")
	}
	if earliest.Count > 0 {
		first := earliest.First
		report.EarliestCandle = &first
	}

	var lookback []time.Time
	err = r.db.SelectContext(ctx, &lookback, `
		SELECT DISTINCT begin
		FROM candles_base
		WHERE ticker = ? AND timeframe = ? AND begin < ?
		ORDER BY begin DESC LIMIT ?`,
		q.Ticker, string(q.Timeframe), q.Start, q.MaxLookback)
	if err != nil {
		return nil, classify(err, "count lookback candles")
	}
	report.LookbackCount = len(lookback)

	// Indicator coverage is measured from the warm-up start so both the
	// lookback tail and the requested window must be covered.
	warmupStart := q.Start
	if len(lookback) > 0 {
		warmupStart = lookback[len(lookback)-1]
	}
	report.WarmupStart = &warmupStart

	if len(q.IndicatorKeys) == 0 {
		return report, nil
	}

	query, args, err := sqlx.In(`
		SELECT indicator_key, count(DISTINCT begin) AS points
		FROM candles_indicators
		WHERE ticker = ? AND timeframe = ? AND indicator_key IN (?)
		  AND begin >= ? AND begin <= ?
		GROUP BY indicator_key`,
		q.Ticker, string(q.Timeframe), q.IndicatorKeys, warmupStart, q.End)
	if err != nil {
		return nil, classify(err, "expand coverage key list")
	}

	var coverage []coverageRow
	if err := r.db.SelectContext(ctx, &coverage, query, args...); err != nil {
		return nil, classify(err, "count indicator coverage")
	}
	for _, row := range coverage {
		report.IndicatorCoverage[row.Key] = int(row.Points)
	}
	return report, nil
}
