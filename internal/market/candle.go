package market

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candle is one time-bucketed OHLCV observation. (Ticker, Timeframe, Begin)
// is the natural key everywhere: topics, the analytical store, checkpoints.
type Candle struct {
	Ticker    string    `json:"ticker" db:"ticker"`
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`
	Begin     time.Time `json:"begin" db:"begin"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
	Value     *float64  `json:"value,omitempty" db:"value"`
}

// Key returns the event-log key for this candle's series.
func (c Candle) Key() string {
	return c.Ticker + ":" + string(c.Timeframe)
}

// CacheSuffix returns the `{ticker}_{timeframe}` fragment used by the cache
// tier's checkpoint and rolling-context keys.
func (c Candle) CacheSuffix() string {
	return c.Ticker + "_" + string(c.Timeframe)
}

// Validate enforces the candle invariants. Violations are permanent data
// errors, not transient ones.
func (c Candle) Validate() error {
	if c.Ticker == "" {
		return fmt.Errorf("candle missing ticker")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle %s: unknown timeframe %q", c.Ticker, c.Timeframe)
	}
	if c.Begin.IsZero() {
		return fmt.Errorf("candle %s/%s: zero begin", c.Ticker, c.Timeframe)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %s/%s@%s: non-positive price", c.Ticker, c.Timeframe, c.Begin.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s/%s@%s: negative volume", c.Ticker, c.Timeframe, c.Begin.Format(time.RFC3339))
	}
	upper := c.Open
	if c.Close > upper {
		upper = c.Close
	}
	lower := c.Open
	if c.Close < lower {
		lower = c.Close
	}
	if c.High < upper || c.Low > lower {
		return fmt.Errorf("candle %s/%s@%s: high/low do not bound open/close", c.Ticker, c.Timeframe, c.Begin.Format(time.RFC3339))
	}
	return nil
}

// EnrichedCandle is a raw candle plus the hot-indicator columns the RT
// pipeline computed for it. On the wire the indicator values are flattened
// to top-level columns next to the OHLCV fields.
type EnrichedCandle struct {
	Candle
	Indicators map[string]float64
}

// candleFields mirrors Candle's JSON field set; used to split flattened
// indicator columns from base fields when decoding.
var candleFields = map[string]bool{
	"ticker": true, "timeframe": true, "begin": true,
	"open": true, "high": true, "low": true, "close": true,
	"volume": true, "value": true,
}

// MarshalJSON flattens indicator columns into the candle object.
func (e EnrichedCandle) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(e.Candle)
	if err != nil {
		return nil, err
	}
	if len(e.Indicators) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, val := range e.Indicators {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON collects unknown numeric columns as indicator values.
func (e *EnrichedCandle) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &e.Candle); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	e.Indicators = make(map[string]float64)
	for key, raw := range all {
		if candleFields[key] {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("indicator column %q: %w", key, err)
		}
		e.Indicators[key] = v
	}
	return nil
}
