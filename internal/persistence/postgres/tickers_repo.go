package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/persistence"
)

const tickerColumns = `t.id, t.symbol, t.market_id, t.lot_size, t.min_step,
	t.decimals, t.currency, t.is_active, t.list_level, t.created_at`

type tickersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTickersRepo creates the PostgreSQL tickers repository.
func NewTickersRepo(db *sqlx.DB, timeout time.Duration) persistence.TickersRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &tickersRepo{db: db, timeout: timeout}
}

func (r *tickersRepo) GetBySymbol(ctx context.Context, symbol string) (*market.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tickerColumns + `
		FROM tickers t
		WHERE t.symbol = $1`

	var ticker market.Ticker
	err := r.db.GetContext(ctx, &ticker, query, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get ticker by symbol")
	}
	return &ticker, nil
}

func (r *tickersRepo) ListActive(ctx context.Context, marketCode string) ([]market.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tickerColumns + `
		FROM tickers t
		JOIN markets m ON m.id = t.market_id
		WHERE m.code = $1 AND t.is_active = TRUE
		ORDER BY t.symbol`

	var tickers []market.Ticker
	if err := r.db.SelectContext(ctx, &tickers, query, marketCode); err != nil {
		return nil, classify(err, "list active tickers")
	}
	return tickers, nil
}

func (r *tickersRepo) UpsertReference(ctx context.Context, marketCode string, t market.Ticker) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// INSERT..SELECT resolves the market id in the same statement; zero rows
	// means the market code has no row, which no retry will fix.
	query := `
		INSERT INTO tickers (symbol, market_id, lot_size, min_step, decimals, currency, is_active, list_level)
		SELECT $1, m.id, $2, $3, $4, $5, $6, $7
		FROM markets m
		WHERE m.code = $8
		ON CONFLICT (symbol) DO UPDATE SET
			lot_size   = EXCLUDED.lot_size,
			min_step   = EXCLUDED.min_step,
			decimals   = EXCLUDED.decimals,
			currency   = EXCLUDED.currency,
			list_level = EXCLUDED.list_level`

	res, err := r.db.ExecContext(ctx, query,
		t.Symbol, t.LotSize, t.MinStep, t.Decimals, t.Currency, t.IsActive, t.ListLevel, marketCode)
	if err != nil {
		return classify(err, "upsert ticker reference")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "upsert ticker reference")
	}
	if affected == 0 {
		return errs.Fatalf("upsert ticker %s: unknown market %q", t.Symbol, marketCode)
	}
	return nil
}
