package strategy

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tradeforge/core/internal/errs"
)

// Indicator keys follow a fixed grammar:
//
//	<name>_<param>_<value>[_<param>_<value>...]_<output>
//
// e.g. ema_timeperiod_12_value, supertrend_length_10_multiplier_3_direction,
// macd_fastperiod_12_signalperiod_9_slowperiod_26_macd. Param values are
// numeric tokens; everything after the last numeric token is the output
// column. Canonical keys sort params by name and render integral values
// without a trailing ".0", so "ema_timeperiod_12.0_value" and
// "ema_timeperiod_12_value" normalize to the same series identity.

// reservedColumns are the base candle columns. They may be referenced
// directly as bare keys in value nodes but can never name an indicator.
var reservedColumns = map[string]bool{
	"open":   true,
	"high":   true,
	"low":    true,
	"close":  true,
	"volume": true,
	"value":  true,
	"begin":  true,
}

// IsBaseColumn reports whether key is a bare OHLCV column reference.
func IsBaseColumn(key string) bool {
	return reservedColumns[key]
}

// Indicator is one parsed indicator series reference.
type Indicator struct {
	Name   string
	Params map[string]float64
	Output string
}

// Key renders the canonical form: params sorted by name, integral values
// without a decimal part.
func (ind Indicator) Key() string {
	names := make([]string, 0, len(ind.Params))
	for name := range ind.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(ind.Name)
	for _, name := range names {
		b.WriteByte('_')
		b.WriteString(name)
		b.WriteByte('_')
		b.WriteString(formatParam(ind.Params[name]))
	}
	b.WriteByte('_')
	b.WriteString(ind.Output)
	return b.String()
}

func formatParam(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseKey parses an indicator key into its components, rejecting keys whose
// name collides with a base candle column. The returned Indicator renders to
// the canonical form regardless of the input's param order or ".0" noise.
func ParseKey(key string) (Indicator, error) {
	if key == "" {
		return Indicator{}, errs.Validationf("empty indicator key")
	}
	tokens := strings.Split(key, "_")
	name := tokens[0]
	if name == "" {
		return Indicator{}, errs.Validationf("indicator key %q has empty name", key)
	}
	if reservedColumns[name] {
		return Indicator{}, errs.Validationf("indicator key %q uses reserved column name %q", key, name)
	}

	params := map[string]float64{}
	i := 1
	for i+1 < len(tokens) {
		v, err := strconv.ParseFloat(tokens[i+1], 64)
		if err != nil {
			break
		}
		pname := tokens[i]
		if pname == "" {
			return Indicator{}, errs.Validationf("indicator key %q has empty param name", key)
		}
		if _, dup := params[pname]; dup {
			return Indicator{}, errs.Validationf("indicator key %q repeats param %q", key, pname)
		}
		params[pname] = v
		i += 2
	}

	output := strings.Join(tokens[i:], "_")
	if output == "" {
		return Indicator{}, errs.Validationf("indicator key %q missing output column", key)
	}
	if _, err := strconv.ParseFloat(output, 64); err == nil {
		return Indicator{}, errs.Validationf("indicator key %q has numeric output column %q", key, output)
	}

	return Indicator{Name: name, Params: params, Output: output}, nil
}

// NormalizeKey returns the canonical rendering of key, or an error if the
// key does not parse.
func NormalizeKey(key string) (string, error) {
	ind, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return ind.Key(), nil
}
