package market

import "time"

// IndicatorPoint is one indicator observation keyed by candle begin.
type IndicatorPoint struct {
	Begin time.Time `json:"begin" db:"begin"`
	Value float64   `json:"value" db:"value"`
}

// IndicatorSeries binds points to the series they belong to.
type IndicatorSeries struct {
	Ticker    string           `json:"ticker"`
	Timeframe Timeframe        `json:"timeframe"`
	Key       string           `json:"indicator_key"`
	Points    []IndicatorPoint `json:"points"`
}
