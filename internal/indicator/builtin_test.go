package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

func candleSeries(closes ...float64) []market.Candle {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, market.Moscow())
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Ticker: "SBER", Timeframe: market.TF1H,
			Begin: base.Add(time.Duration(i) * time.Hour),
			Open:  c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	return out
}

func mustParse(t *testing.T, key string) strategy.Indicator {
	t.Helper()
	ind, err := strategy.ParseKey(key)
	require.NoError(t, err)
	return ind
}

func TestSMA(t *testing.T) {
	e := NewBuiltin()
	out, err := e.Compute(mustParse(t, "sma_timeperiod_3_value"), candleSeries(1, 2, 3, 4, 5))
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2, out[2], 1e-12)
	assert.InDelta(t, 3, out[3], 1e-12)
	assert.InDelta(t, 4, out[4], 1e-12)
}

func TestEMAConstantSeries(t *testing.T) {
	e := NewBuiltin()
	out, err := e.Compute(mustParse(t, "ema_timeperiod_3_value"), candleSeries(7, 7, 7, 7, 7, 7))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(out[1]))
	for i := 2; i < len(out); i++ {
		assert.InDelta(t, 7, out[i], 1e-12, "index %d", i)
	}
}

func TestEMATracksTrend(t *testing.T) {
	e := NewBuiltin()
	out, err := e.Compute(mustParse(t, "ema_timeperiod_3_value"), candleSeries(1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, err)

	// Rising input keeps the EMA rising and below the newest close.
	for i := 3; i < len(out); i++ {
		assert.Greater(t, out[i], out[i-1])
		assert.Less(t, out[i], 1+float64(i))
	}
}

func TestRSIBounds(t *testing.T) {
	e := NewBuiltin()

	up, err := e.Compute(mustParse(t, "rsi_timeperiod_3_value"), candleSeries(1, 2, 3, 4, 5, 6, 7))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(up[2]))
	assert.InDelta(t, 100, up[3], 1e-9, "all gains pin RSI at 100")

	down, err := e.Compute(mustParse(t, "rsi_timeperiod_3_value"), candleSeries(7, 6, 5, 4, 3, 2, 1.5))
	require.NoError(t, err)
	assert.InDelta(t, 0, down[3], 1e-9, "all losses pin RSI at 0")

	mixed, err := e.Compute(mustParse(t, "rsi_timeperiod_3_value"), candleSeries(5, 6, 5, 6, 5, 6, 5))
	require.NoError(t, err)
	for i := 3; i < len(mixed); i++ {
		assert.Greater(t, mixed[i], 0.0)
		assert.Less(t, mixed[i], 100.0)
	}
}

func TestMACDOutputsAlign(t *testing.T) {
	e := NewBuiltin()
	candles := candleSeries(10, 11, 12, 11, 13, 14, 13, 15, 16, 17)

	line, err := e.Compute(mustParse(t, "macd_fastperiod_2_signalperiod_2_slowperiod_3_macd"), candles)
	require.NoError(t, err)
	sig, err := e.Compute(mustParse(t, "macd_fastperiod_2_signalperiod_2_slowperiod_3_macdsignal"), candles)
	require.NoError(t, err)
	hist, err := e.Compute(mustParse(t, "macd_fastperiod_2_signalperiod_2_slowperiod_3_macdhist"), candles)
	require.NoError(t, err)

	// Line becomes defined with the slow EMA, the signal one period later.
	assert.True(t, math.IsNaN(line[1]))
	assert.False(t, math.IsNaN(line[2]))
	assert.True(t, math.IsNaN(sig[2]))
	assert.False(t, math.IsNaN(sig[3]))

	for i := 3; i < len(candles); i++ {
		assert.InDelta(t, line[i]-sig[i], hist[i], 1e-12, "index %d", i)
	}
}

func TestATRConstantRange(t *testing.T) {
	e := NewBuiltin()
	out, err := e.Compute(mustParse(t, "atr_timeperiod_3_value"), candleSeries(5, 5, 5, 5, 5, 5))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(out[1]))
	for i := 2; i < len(out); i++ {
		assert.InDelta(t, 2, out[i], 1e-12, "flat candles with high-low=2 give ATR 2")
	}
}

func TestSuperTrendFlipsDirection(t *testing.T) {
	e := NewBuiltin()
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 90, 80, 70, 60, 50}
	candles := candleSeries(closes...)

	dir, err := e.Compute(mustParse(t, "supertrend_length_3_multiplier_1_direction"), candles)
	require.NoError(t, err)
	val, err := e.Compute(mustParse(t, "supertrend_length_3_multiplier_1_value"), candles)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(dir[1]))
	assert.Equal(t, 1.0, dir[4], "steady rise keeps the trend long")
	assert.Less(t, val[4], closes[4], "long trend tracks the lower band")

	last := len(closes) - 1
	assert.Equal(t, -1.0, dir[last], "collapse flips the trend short")
	assert.Greater(t, val[last], closes[last], "short trend tracks the upper band")

	flips := 0
	for i := 3; i <= last; i++ {
		if !math.IsNaN(dir[i-1]) && dir[i-1] > 0 && dir[i] < 0 {
			flips++
		}
	}
	assert.Equal(t, 1, flips, "one crash, one flip")
}

func TestComputeParamValidation(t *testing.T) {
	e := NewBuiltin()
	candles := candleSeries(1, 2, 3, 4, 5)

	cases := map[string]string{
		"missing period":     "ema_value",
		"fractional period":  "ema_timeperiod_2.5_value",
		"fast above slow":    "macd_fastperiod_9_signalperiod_3_slowperiod_4_macd",
		"bad macd output":    "macd_fastperiod_2_signalperiod_2_slowperiod_3_price",
		"bad single output":  "ema_timeperiod_3_direction",
		"unknown family":     "vwap_timeperiod_3_value",
		"zero multiplier":    "supertrend_length_3_multiplier_0_direction",
		"bad supertrend out": "supertrend_length_3_multiplier_1_slope",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			ind, err := strategy.ParseKey(key)
			require.NoError(t, err)
			_, err = e.Compute(ind, candles)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
}

func TestComputeEmptyWindow(t *testing.T) {
	e := NewBuiltin()
	_, err := e.Compute(mustParse(t, "ema_timeperiod_3_value"), nil)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestSupports(t *testing.T) {
	e := NewBuiltin()
	for _, name := range []string{"sma", "ema", "rsi", "macd", "atr", "supertrend"} {
		assert.True(t, e.Supports(name), name)
	}
	assert.False(t, e.Supports("vwap"))
}
