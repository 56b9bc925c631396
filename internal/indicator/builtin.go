package indicator

import (
	"math"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

// Builtin implements the hot indicator families in-process: sma, ema, rsi,
// macd, atr, supertrend. Recursive families follow the Wilder/TA-lib
// conventions (SMA seeding, Wilder smoothing) so series match what the
// backtesting platform historically produced.
type Builtin struct{}

// NewBuiltin returns the builtin engine.
func NewBuiltin() *Builtin { return &Builtin{} }

var builtinFamilies = map[string]bool{
	"sma":        true,
	"ema":        true,
	"rsi":        true,
	"macd":       true,
	"atr":        true,
	"supertrend": true,
}

// Supports reports whether name is a builtin family.
func (b *Builtin) Supports(name string) bool { return builtinFamilies[name] }

// Compute evaluates one indicator over the window and returns the output
// column the key's suffix selects.
func (b *Builtin) Compute(ind strategy.Indicator, candles []market.Candle) ([]float64, error) {
	if len(candles) == 0 {
		return nil, errs.Validationf("indicator %s: empty candle window", ind.Key())
	}
	closes := make([]float64, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}

	switch ind.Name {
	case "sma":
		period, err := intParam(ind, "timeperiod")
		if err != nil {
			return nil, err
		}
		return singleOutput(ind, sma(closes, period))
	case "ema":
		period, err := intParam(ind, "timeperiod")
		if err != nil {
			return nil, err
		}
		return singleOutput(ind, ema(closes, period))
	case "rsi":
		period, err := intParam(ind, "timeperiod")
		if err != nil {
			return nil, err
		}
		return singleOutput(ind, rsi(closes, period))
	case "atr":
		period, err := intParam(ind, "timeperiod")
		if err != nil {
			return nil, err
		}
		return singleOutput(ind, atr(candles, period))
	case "macd":
		fast, err := intParam(ind, "fastperiod")
		if err != nil {
			return nil, err
		}
		slow, err := intParam(ind, "slowperiod")
		if err != nil {
			return nil, err
		}
		signal, err := intParam(ind, "signalperiod")
		if err != nil {
			return nil, err
		}
		if fast >= slow {
			return nil, errs.Validationf("indicator %s: fastperiod must be below slowperiod", ind.Key())
		}
		line, sig, hist := macd(closes, fast, slow, signal)
		switch ind.Output {
		case "macd":
			return line, nil
		case "macdsignal":
			return sig, nil
		case "macdhist":
			return hist, nil
		default:
			return nil, errs.Validationf("indicator %s: unknown macd output %q", ind.Key(), ind.Output)
		}
	case "supertrend":
		length, err := intParam(ind, "length")
		if err != nil {
			return nil, err
		}
		mult, ok := ind.Params["multiplier"]
		if !ok || mult <= 0 {
			return nil, errs.Validationf("indicator %s: multiplier must be positive", ind.Key())
		}
		value, direction := supertrend(candles, length, mult)
		switch ind.Output {
		case "value":
			return value, nil
		case "direction":
			return direction, nil
		default:
			return nil, errs.Validationf("indicator %s: unknown supertrend output %q", ind.Key(), ind.Output)
		}
	default:
		return nil, errs.Validationf("unknown indicator family %q", ind.Name)
	}
}

func singleOutput(ind strategy.Indicator, series []float64) ([]float64, error) {
	if ind.Output != "value" {
		return nil, errs.Validationf("indicator %s: family %s has only a value output", ind.Key(), ind.Name)
	}
	return series, nil
}

func intParam(ind strategy.Indicator, name string) (int, error) {
	v, ok := ind.Params[name]
	if !ok {
		return 0, errs.Validationf("indicator %s: missing param %q", ind.Key(), name)
	}
	n := int(v)
	if float64(n) != v || n < 1 {
		return 0, errs.Validationf("indicator %s: param %q must be a positive integer", ind.Key(), name)
	}
	return n, nil
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func sma(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period > len(values) {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema seeds with the SMA of the first period values past the leading NaN
// run, then applies the standard 2/(period+1) recursion. Operating past the
// NaN run lets it chain onto derived series like the MACD line.
func ema(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	first := 0
	for first < len(values) && math.IsNaN(values[first]) {
		first++
	}
	if first+period > len(values) {
		return out
	}

	var seed float64
	for i := first; i < first+period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[first+period-1] = seed

	alpha := 2 / float64(period+1)
	prev := seed
	for i := first + period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// rsi uses Wilder smoothing: the first average gain/loss is the simple mean
// of the first period deltas, every later one is the running blend.
func rsi(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period >= len(values) {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func macd(values []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := ema(values, fast)
	slowEMA := ema(values, slow)

	line = nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}

	sig = ema(line, signal)

	hist = nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return line, sig, hist
}

func trueRange(candles []market.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i := range candles {
		hl := candles[i].High - candles[i].Low
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// atr is Wilder's: seeded with the simple mean of the first period true
// ranges, then blended.
func atr(candles []market.Candle, period int) []float64 {
	out := nanSlice(len(candles))
	if period > len(candles) {
		return out
	}
	tr := trueRange(candles)

	var seed float64
	for i := 0; i < period; i++ {
		seed += tr[i]
	}
	prev := seed / float64(period)
	out[period-1] = prev

	for i := period; i < len(candles); i++ {
		prev = (prev*float64(period-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// supertrend returns the band value and the ±1 trend direction. Positive
// direction means the close rides above the lower band (long-favorable);
// a sign change is the flip exit strategies key on.
func supertrend(candles []market.Candle, length int, multiplier float64) (value, direction []float64) {
	n := len(candles)
	value = nanSlice(n)
	direction = nanSlice(n)
	if length >= n {
		return value, direction
	}

	atrSeries := atr(candles, length)

	upper := nanSlice(n)
	lower := nanSlice(n)
	dir := 1.0

	for i := length - 1; i < n; i++ {
		hl2 := (candles[i].High + candles[i].Low) / 2
		basicUpper := hl2 + multiplier*atrSeries[i]
		basicLower := hl2 - multiplier*atrSeries[i]

		if i == length-1 {
			upper[i] = basicUpper
			lower[i] = basicLower
		} else {
			// Bands only tighten while price stays inside them.
			if basicUpper < upper[i-1] || candles[i-1].Close > upper[i-1] {
				upper[i] = basicUpper
			} else {
				upper[i] = upper[i-1]
			}
			if basicLower > lower[i-1] || candles[i-1].Close < lower[i-1] {
				lower[i] = basicLower
			} else {
				lower[i] = lower[i-1]
			}

			if candles[i].Close > upper[i-1] {
				dir = 1
			} else if candles[i].Close < lower[i-1] {
				dir = -1
			}
		}

		direction[i] = dir
		if dir > 0 {
			value[i] = lower[i]
		} else {
			value[i] = upper[i]
		}
	}
	return value, direction
}
