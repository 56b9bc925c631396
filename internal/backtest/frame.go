// Package backtest turns a candle window plus a validated strategy into a
// deterministic trade ledger and metrics summary. The dataframe and signal
// series are plain contiguous slices; the candle loop is strictly sequential
// so that two runs over the same inputs are bit-identical.
package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

// Frame is a column-oriented candle window joined with indicator series.
// Rows are ordered by begin ascending and unique per begin. Rows before the
// simulation start are warm-up only: signals are computed over them but no
// trade opens there.
type Frame struct {
	Ticker    string
	Timeframe market.Timeframe

	Begin  []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
	Value  []float64

	indicators map[string][]float64
	beginIndex map[int64]int
	simStart   int
}

// NewFrame builds a frame from base candles, sorting by begin and dropping
// nothing: callers are expected to have deduplicated rows at the store level.
func NewFrame(ticker string, timeframe market.Timeframe, candles []market.Candle) *Frame {
	sorted := make([]market.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Begin.Before(sorted[j].Begin) })

	n := len(sorted)
	f := &Frame{
		Ticker:     ticker,
		Timeframe:  timeframe,
		Begin:      make([]time.Time, n),
		Open:       make([]float64, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
		Volume:     make([]float64, n),
		Value:      make([]float64, n),
		indicators: make(map[string][]float64),
		beginIndex: make(map[int64]int, n),
	}
	for i, c := range sorted {
		f.Begin[i] = c.Begin
		f.Open[i] = c.Open
		f.High[i] = c.High
		f.Low[i] = c.Low
		f.Close[i] = c.Close
		f.Volume[i] = c.Volume
		if c.Value != nil {
			f.Value[i] = *c.Value
		} else {
			f.Value[i] = math.NaN()
		}
		f.beginIndex[c.Begin.Unix()] = i
	}
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Begin) }

// SetIndicator attaches a full-length indicator column under its canonical
// key.
func (f *Frame) SetIndicator(key string, values []float64) error {
	if len(values) != f.Len() {
		return errs.Fatalf("indicator column %s has %d rows, frame has %d", key, len(values), f.Len())
	}
	canonical, err := strategy.NormalizeKey(key)
	if err != nil {
		return err
	}
	f.indicators[canonical] = values
	return nil
}

// MergeIndicator aligns sparse series points onto the frame by begin. Rows
// without a point stay NaN; points outside the frame window are ignored.
func (f *Frame) MergeIndicator(key string, points []market.IndicatorPoint) error {
	canonical, err := strategy.NormalizeKey(key)
	if err != nil {
		return err
	}
	col, ok := f.indicators[canonical]
	if !ok {
		col = make([]float64, f.Len())
		for i := range col {
			col[i] = math.NaN()
		}
		f.indicators[canonical] = col
	}
	for _, p := range points {
		if idx, ok := f.beginIndex[p.Begin.Unix()]; ok {
			col[idx] = p.Value
		}
	}
	return nil
}

// Column resolves a base OHLCV column or an indicator column by key.
// Indicator keys are normalized first so param order and ".0" noise in the
// strategy definition still hit the stored series.
func (f *Frame) Column(name string) ([]float64, error) {
	switch name {
	case "open":
		return f.Open, nil
	case "high":
		return f.High, nil
	case "low":
		return f.Low, nil
	case "close":
		return f.Close, nil
	case "volume":
		return f.Volume, nil
	case "value":
		return f.Value, nil
	}
	canonical, err := strategy.NormalizeKey(name)
	if err != nil {
		return nil, err
	}
	col, ok := f.indicators[canonical]
	if !ok {
		return nil, errs.Fatalf("frame %s:%s is missing indicator column %s", f.Ticker, f.Timeframe, canonical)
	}
	return col, nil
}

// IndicatorKeys lists attached indicator columns in sorted order.
func (f *Frame) IndicatorKeys() []string {
	keys := make([]string, 0, len(f.indicators))
	for k := range f.indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarkSimStart records where the simulation window begins: the first row
// with begin >= start. Everything before it is warm-up.
func (f *Frame) MarkSimStart(start time.Time) {
	f.simStart = sort.Search(f.Len(), func(i int) bool {
		return !f.Begin[i].Before(start)
	})
}

// SimStart returns the first simulatable row index.
func (f *Frame) SimStart() int { return f.simStart }
