package strategy

import (
	"sort"

	"github.com/tradeforge/core/internal/errs"
)

// DefaultLookback is the warm-up candle count for indicator families without
// a dedicated formula.
const DefaultLookback = 100

// Requirements is what a strategy needs before simulation: the deduplicated
// indicator set and the warm-up window, in candles, that must precede the
// requested start so every series is stable from candle one.
type Requirements struct {
	Indicators  []Indicator
	MaxLookback int
}

// Keys returns the canonical indicator keys in deterministic order.
func (r Requirements) Keys() []string {
	keys := make([]string, 0, len(r.Indicators))
	for _, ind := range r.Indicators {
		keys = append(keys, ind.Key())
	}
	return keys
}

// Resolve walks the definition and collects every referenced indicator with
// the lookback the longest of them needs. Bare base-column references pass
// through untouched; they are already in every candle row.
func Resolve(def *Definition) (Requirements, error) {
	if def == nil {
		return Requirements{}, errs.Validationf("nil strategy definition")
	}

	seen := map[string]Indicator{}
	collect := func(key string) error {
		if IsBaseColumn(key) {
			return nil
		}
		ind, err := ParseKey(key)
		if err != nil {
			return err
		}
		seen[ind.Key()] = ind
		return nil
	}

	for _, branch := range [][]Condition{def.EntryBuyConditions, def.EntrySellConditions, def.ExitConditions} {
		for _, cond := range branch {
			if err := walkCondition(cond, collect); err != nil {
				return Requirements{}, err
			}
		}
	}
	if sl := def.StopLoss; sl != nil && sl.Type == TypeIndicatorBased {
		for _, key := range []string{sl.BuyValueKey, sl.SellValueKey} {
			if key == "" {
				continue
			}
			if err := collect(key); err != nil {
				return Requirements{}, err
			}
		}
	}

	req := Requirements{Indicators: make([]Indicator, 0, len(seen))}
	for _, ind := range seen {
		req.Indicators = append(req.Indicators, ind)
		if lb := Lookback(ind); lb > req.MaxLookback {
			req.MaxLookback = lb
		}
	}
	sort.Slice(req.Indicators, func(i, j int) bool {
		return req.Indicators[i].Key() < req.Indicators[j].Key()
	})
	return req, nil
}

// Lookback returns the warm-up candle count for one indicator. The formulas
// are deliberately generous: twice the effective period is enough for the
// recursive families (EMA and RSI smoothing, MACD's slow EMA plus signal,
// SuperTrend bands) to converge to stable values.
func Lookback(ind Indicator) int {
	period := func(name string) (float64, bool) {
		v, ok := ind.Params[name]
		return v, ok
	}
	switch ind.Name {
	case "sma", "ema", "rsi", "atr":
		if tp, ok := period("timeperiod"); ok {
			return atLeastOne(2 * tp)
		}
	case "macd":
		slow, okSlow := period("slowperiod")
		sig, okSig := period("signalperiod")
		if okSlow && okSig {
			return atLeastOne(2 * (slow + sig))
		}
	case "supertrend":
		if l, ok := period("length"); ok {
			return atLeastOne(2 * l)
		}
	}
	return DefaultLookback
}

func atLeastOne(v float64) int {
	n := int(v)
	if n < 1 {
		return 1
	}
	return n
}

func walkCondition(c Condition, visit func(key string) error) error {
	switch n := c.(type) {
	case Compare:
		if err := walkValue(n.Left, visit); err != nil {
			return err
		}
		return walkValue(n.Right, visit)
	case Crossover:
		if err := walkValue(n.Line1, visit); err != nil {
			return err
		}
		return walkValue(n.Line2, visit)
	case SuperTrendFlip:
		return visit(n.IndicatorKey)
	case Logical:
		for _, child := range n.Conditions {
			if err := walkCondition(child, visit); err != nil {
				return err
			}
		}
		return nil
	default:
		return errs.Validationf("unsupported condition node %T", c)
	}
}

func walkValue(v ValueExpr, visit func(key string) error) error {
	switch e := v.(type) {
	case Constant:
		return nil
	case IndicatorValue:
		return visit(e.Key)
	case PrevIndicatorValue:
		return visit(e.Key)
	default:
		return errs.Validationf("unsupported value node %T", v)
	}
}
