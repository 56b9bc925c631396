// Package clickhouse backs the analytical store: base candles and indicator
// series in ReplacingMergeTree tables keyed by series identity and begin,
// deduplicated last-write-wins by insert version.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/errs"
)

// DefaultQueryTimeout bounds analytical queries; availability scans touch
// wide ranges and need more headroom than the relational side.
const DefaultQueryTimeout = 30 * time.Second

// DefaultInsertCap caps rows per INSERT so one collector page or calculation
// batch never turns into an oversized part. Operators may lower or raise it
// up to the configured ceiling.
const DefaultInsertCap = 1000

// Connect opens ClickHouse through its database/sql driver so the sqlx
// helpers match the relational side.
func Connect(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return db, nil
}

// classify maps server exceptions onto the shared error taxonomy. Schema and
// query shape errors (unknown identifier/table/database, syntax) cannot heal
// on retry; everything else is treated as transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		switch ex.Code {
		case 47, 60, 62, 81:
			return errs.FatalWrap(err, op)
		}
	}
	return errs.Retryable(fmt.Errorf("%s: %w", op, err))
}
