package strategy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/core/internal/errs"
)

// Strategy is the stored record. The definition is kept as raw JSON so that
// backtest jobs can snapshot it verbatim; Parse decodes and validates on
// demand.
type Strategy struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	UserID      uuid.UUID       `db:"user_id" json:"user_id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Definition  json.RawMessage `db:"definition" json:"definition"`
	IsDeleted   bool            `db:"is_deleted" json:"is_deleted"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Parse decodes and validates the stored definition.
func (s *Strategy) Parse() (*Definition, error) {
	if len(s.Definition) == 0 {
		return nil, errs.Validationf("strategy %s has empty definition", s.ID)
	}
	var def Definition
	if err := json.Unmarshal(s.Definition, &def); err != nil {
		return nil, err
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinition decodes and validates a raw definition snapshot, e.g. the
// copy embedded in a backtest job.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
