// Package postgres implements the relational persistence contracts on
// PostgreSQL via sqlx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradeforge/core/internal/errs"
)

// DefaultQueryTimeout bounds one repository call.
const DefaultQueryTimeout = 10 * time.Second

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// classify maps a database error to a runtime error kind. Constraint
// violations are logic errors and never retried; everything else is treated
// as transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return errs.FatalWrap(err, op+": duplicate key")
		case "23503":
			return errs.FatalWrap(err, op+": referential integrity violation")
		case "23514":
			return errs.FatalWrap(err, op+": check constraint violation")
		}
	}
	return errs.Retryable(fmt.Errorf("%s: %w", op, err))
}
