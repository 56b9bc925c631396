package backtest

import (
	"time"
)

// Side is the position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ExitReason records which rule closed a trade. Stop-loss beats take-profit
// beats exit signal on the same candle; END_OF_DATA closes whatever is still
// open at the last row.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitSignal     ExitReason = "EXIT_SIGNAL"
	ExitEndOfData  ExitReason = "END_OF_DATA"
)

// Trade is one closed position as persisted in the result ledger. Optional
// levels are pointers so an unset stop or target serializes as null instead
// of an unrepresentable NaN.
type Trade struct {
	Side       Side      `json:"side"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`

	Quantity     float64 `json:"quantity"`
	LotSize      int     `json:"lot_size"`
	NumLots      int64   `json:"num_lots"`
	PositionCost float64 `json:"position_cost"`

	EntryCapital float64 `json:"entry_capital"`
	ExitCapital  float64 `json:"exit_capital"`

	InitialStopLoss *float64 `json:"initial_stop_loss,omitempty"`
	FinalStopLoss   *float64 `json:"final_stop_loss,omitempty"`
	TakeProfit      *float64 `json:"take_profit,omitempty"`

	GrossProfitAbs float64 `json:"gross_profit_abs"`
	NetProfitAbs   float64 `json:"net_profit_abs"`
	Commission     float64 `json:"commission"`

	GrossProfitPct      float64 `json:"gross_profit_pct"`
	NetProfitPct        float64 `json:"net_profit_pct"`
	NetProfitCapitalPct float64 `json:"net_profit_capital_pct"`

	DurationHours   float64 `json:"duration_hours"`
	DurationCandles int     `json:"duration_candles"`

	IsFlip     bool       `json:"is_flip"`
	ExitReason ExitReason `json:"exit_reason"`
}

// Win reports whether the trade closed with positive net profit.
func (t Trade) Win() bool { return t.NetProfitAbs > 0 }

// Loss reports whether the trade closed with negative net profit.
func (t Trade) Loss() bool { return t.NetProfitAbs < 0 }

// Result is the full simulator output for one job.
type Result struct {
	Trades  []Trade `json:"trades"`
	Summary Summary `json:"summary"`

	// SimulatedCandles counts rows inside the simulation window.
	SimulatedCandles int `json:"simulated_candles"`
}
