package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

type strategiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStrategiesRepo creates the PostgreSQL strategies repository.
func NewStrategiesRepo(db *sqlx.DB, timeout time.Duration) persistence.StrategiesRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &strategiesRepo{db: db, timeout: timeout}
}

// GetForUser scopes the lookup to the owner and filters soft-deleted rows,
// so a wrong owner and a missing strategy are indistinguishable to callers.
func (r *strategiesRepo) GetForUser(ctx context.Context, id, userID uuid.UUID) (*strategy.Strategy, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, name, description, definition, is_deleted, created_at, updated_at
		FROM strategies
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE`

	var s strategy.Strategy
	err := r.db.GetContext(ctx, &s, query, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get strategy")
	}
	return &s, nil
}
