package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

func flatFrame(t *testing.T, n int, indicators map[string][]float64) *Frame {
	t.Helper()
	bars := make([]bar, n)
	for i := range bars {
		bars[i] = bar{100, 101, 99, 100}
	}
	return testFrame(t, bars, indicators)
}

func TestEvaluateCrossovers(t *testing.T) {
	f := flatFrame(t, 5, map[string][]float64{
		"fast_value": {1, 3, 2, 2, 5},
		"slow_value": {2, 2, 2, 2, 2},
	})
	cross := func(up bool) *strategy.Definition {
		return &strategy.Definition{
			EntryBuyConditions: []strategy.Condition{strategy.Crossover{
				Up:    up,
				Line1: strategy.IndicatorValue{Key: "fast_value"},
				Line2: strategy.IndicatorValue{Key: "slow_value"},
			}},
		}
	}

	sig, err := EvaluateSignals(cross(true), f)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, false, true}, sig.EntryBuy,
		"up-cross needs prev <= and current >")

	f2 := flatFrame(t, 3, map[string][]float64{
		"fast_value": {3, 1, 1},
		"slow_value": {2, 2, 2},
	})
	sig, err = EvaluateSignals(cross(false), f2)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, sig.EntryBuy)
}

func TestEvaluateCrossoverIgnoresNaN(t *testing.T) {
	f := flatFrame(t, 3, map[string][]float64{
		"fast_value": {math.NaN(), 3, 3},
		"slow_value": {2, 2, 2},
	})
	def := &strategy.Definition{
		EntryBuyConditions: []strategy.Condition{strategy.Crossover{
			Up:    true,
			Line1: strategy.IndicatorValue{Key: "fast_value"},
			Line2: strategy.IndicatorValue{Key: "slow_value"},
		}},
	}
	sig, err := EvaluateSignals(def, f)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, sig.EntryBuy,
		"a NaN on either side of the cross suppresses the signal")
}

func TestEvaluatePrevValueShift(t *testing.T) {
	f := flatFrame(t, 4, map[string][]float64{
		"line_value": {10, 20, 30, 40},
	})
	def := &strategy.Definition{
		EntryBuyConditions: []strategy.Condition{strategy.Compare{
			Op:    strategy.OpGreaterThan,
			Left:  strategy.PrevIndicatorValue{Key: "line_value"},
			Right: strategy.Constant{Value: 15},
		}},
	}
	sig, err := EvaluateSignals(def, f)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, true}, sig.EntryBuy,
		"prev lookups shift by one candle and the first row has no prev")
}

func TestEvaluateLogicalFold(t *testing.T) {
	f := flatFrame(t, 4, map[string][]float64{
		"a_value": {1, 1, 0, 0},
		"b_value": {1, 0, 1, 0},
	})
	gt := func(key string) strategy.Condition {
		return strategy.Compare{
			Op:    strategy.OpGreaterThan,
			Left:  strategy.IndicatorValue{Key: key},
			Right: strategy.Constant{Value: 0.5},
		}
	}

	and := &strategy.Definition{EntryBuyConditions: []strategy.Condition{
		strategy.Logical{Op: strategy.OpAnd, Conditions: []strategy.Condition{gt("a_value"), gt("b_value")}},
	}}
	sig, err := EvaluateSignals(and, f)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, false}, sig.EntryBuy)

	or := &strategy.Definition{EntryBuyConditions: []strategy.Condition{
		strategy.Logical{Op: strategy.OpOr, Conditions: []strategy.Condition{gt("a_value"), gt("b_value")}},
	}}
	sig, err = EvaluateSignals(or, f)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, false}, sig.EntryBuy)
}

func TestEvaluateSuperTrendFlipSplitsBySide(t *testing.T) {
	f := flatFrame(t, 5, map[string][]float64{
		"supertrend_length_10_multiplier_3_direction": {1, 1, -1, -1, 1},
	})
	def := &strategy.Definition{
		EntryBuyConditions: []strategy.Condition{strategy.Compare{
			Op:    strategy.OpGreaterThan,
			Left:  strategy.IndicatorValue{Key: "close"},
			Right: strategy.Constant{Value: 0},
		}},
		ExitConditions: []strategy.Condition{strategy.SuperTrendFlip{
			IndicatorKey:    "supertrend_length_10_multiplier_3_direction",
			TargetDirection: strategy.TargetOppositeToPosition,
		}},
	}
	sig, err := EvaluateSignals(def, f)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, false, false}, sig.ExitLong,
		"downward flip closes longs")
	assert.Equal(t, []bool{false, false, false, false, true}, sig.ExitShort,
		"upward flip closes shorts")
}

func TestEvaluateIndicatorStopSeries(t *testing.T) {
	f := flatFrame(t, 3, map[string][]float64{
		"stlong_value":  {90, 91, 92},
		"stshort_value": {110, 109, 108},
	})
	def := &strategy.Definition{
		EntryBuyConditions: []strategy.Condition{strategy.Compare{
			Op:    strategy.OpGreaterThan,
			Left:  strategy.IndicatorValue{Key: "close"},
			Right: strategy.Constant{Value: 0},
		}},
		StopLoss: &strategy.StopLoss{
			Type:         strategy.TypeIndicatorBased,
			BuyValueKey:  "stlong_value",
			SellValueKey: "stshort_value",
		},
	}
	sig, err := EvaluateSignals(def, f)
	require.NoError(t, err)
	assert.Equal(t, []float64{90, 91, 92}, sig.SLLong)
	assert.Equal(t, []float64{110, 109, 108}, sig.SLShort)
}

func TestEvaluateMissingColumnFails(t *testing.T) {
	f := flatFrame(t, 3, nil)
	def := &strategy.Definition{
		EntryBuyConditions: []strategy.Condition{strategy.Compare{
			Op:    strategy.OpGreaterThan,
			Left:  strategy.IndicatorValue{Key: "ema_timeperiod_12_value"},
			Right: strategy.Constant{Value: 0},
		}},
	}
	_, err := EvaluateSignals(def, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ema_timeperiod_12_value")
}

func TestFrameMergeIndicator(t *testing.T) {
	f := flatFrame(t, 4, nil)
	points := []market.IndicatorPoint{
		{Begin: testBase.Add(1 * time.Hour), Value: 42},
		{Begin: testBase.Add(3 * time.Hour), Value: 43},
		{Begin: testBase.Add(99 * time.Hour), Value: 99},
	}
	require.NoError(t, f.MergeIndicator("ema_timeperiod_12_value", points))

	col, err := f.Column("ema_timeperiod_12_value")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(col[0]))
	assert.Equal(t, 42.0, col[1])
	assert.True(t, math.IsNaN(col[2]), "rows without a point stay NaN")
	assert.Equal(t, 43.0, col[3])
}

func TestFrameColumnNormalizesKeys(t *testing.T) {
	f := flatFrame(t, 2, map[string][]float64{
		"supertrend_length_10_multiplier_3_direction": {1, -1},
	})
	col, err := f.Column("supertrend_multiplier_3.0_length_10_direction")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, col)
}

func TestFrameSortsAndIndexesByBegin(t *testing.T) {
	candles := []market.Candle{
		{Ticker: "SBER", Timeframe: market.TF1H, Begin: testBase.Add(2 * time.Hour), Open: 3, High: 3, Low: 3, Close: 3, Volume: 1},
		{Ticker: "SBER", Timeframe: market.TF1H, Begin: testBase, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Ticker: "SBER", Timeframe: market.TF1H, Begin: testBase.Add(1 * time.Hour), Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
	}
	f := NewFrame("SBER", market.TF1H, candles)
	assert.Equal(t, []float64{1, 2, 3}, f.Close)

	f.MarkSimStart(testBase.Add(90 * time.Minute))
	assert.Equal(t, 2, f.SimStart(), "sim start is the first row at or after start")

	f.MarkSimStart(testBase.Add(-time.Hour))
	assert.Equal(t, 0, f.SimStart())
}
