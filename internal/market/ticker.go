package market

import (
	"fmt"
	"time"
)

// Ticker is a tradable instrument. Rows are immutable for the life of a
// backtest and cached with a TTL on read paths.
type Ticker struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	MarketID  int64     `json:"market_id" db:"market_id"`
	LotSize   int       `json:"lot_size" db:"lot_size"`
	MinStep   float64   `json:"min_step" db:"min_step"`
	Decimals  int       `json:"decimals" db:"decimals"`
	Currency  string    `json:"currency" db:"currency"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	ListLevel int       `json:"list_level" db:"list_level"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate enforces the static ticker invariants.
func (t Ticker) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("ticker missing symbol")
	}
	if t.LotSize <= 0 {
		return fmt.Errorf("ticker %s: lot_size must be positive, got %v", t.Symbol, t.LotSize)
	}
	if t.MinStep <= 0 {
		return fmt.Errorf("ticker %s: min_step must be positive, got %v", t.Symbol, t.MinStep)
	}
	if t.Decimals < 0 {
		return fmt.Errorf("ticker %s: decimals must be non-negative, got %d", t.Symbol, t.Decimals)
	}
	return nil
}

// Market groups tickers under one exchange board.
type Market struct {
	ID   int64  `json:"id" db:"id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}
