package backtest

import (
	"math"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/strategy"
)

// Signals are the six aligned series the simulator consumes. Booleans are
// false and stop levels NaN wherever the underlying data is unavailable, so
// warm-up rows and indicator gaps never fire anything.
type Signals struct {
	EntryBuy  []bool
	EntrySell []bool
	ExitLong  []bool
	ExitShort []bool
	SLLong    []float64
	SLShort   []float64
}

// exitSide selects which position side an exit pass evaluates for. The only
// position-aware node, SUPER_TREND_FLIP, reads differently per side; every
// other node is side-independent, so evaluating the exit tree once per side
// yields the two exit series.
type exitSide int

const (
	sideNone exitSide = iota
	sideLongExit
	sideShortExit
)

// EvaluateSignals runs the strategy tree over the whole frame, warm-up rows
// included, and returns the six series. Evaluation is pure: same frame and
// definition, same output.
func EvaluateSignals(def *strategy.Definition, f *Frame) (*Signals, error) {
	if def == nil {
		return nil, errs.Validationf("nil strategy definition")
	}
	n := f.Len()
	ev := &evaluator{frame: f, n: n}

	sig := &Signals{
		EntryBuy:  make([]bool, n),
		EntrySell: make([]bool, n),
		ExitLong:  make([]bool, n),
		ExitShort: make([]bool, n),
		SLLong:    nanSeries(n),
		SLShort:   nanSeries(n),
	}

	var err error
	if sig.EntryBuy, err = ev.branch(def.EntryBuyConditions, sideNone); err != nil {
		return nil, err
	}
	if sig.EntrySell, err = ev.branch(def.EntrySellConditions, sideNone); err != nil {
		return nil, err
	}
	if sig.ExitLong, err = ev.branch(def.ExitConditions, sideLongExit); err != nil {
		return nil, err
	}
	if sig.ExitShort, err = ev.branch(def.ExitConditions, sideShortExit); err != nil {
		return nil, err
	}

	if sl := def.StopLoss; sl != nil && sl.Type == strategy.TypeIndicatorBased {
		if sl.BuyValueKey != "" {
			if sig.SLLong, err = f.Column(sl.BuyValueKey); err != nil {
				return nil, err
			}
		}
		if sl.SellValueKey != "" {
			if sig.SLShort, err = f.Column(sl.SellValueKey); err != nil {
				return nil, err
			}
		}
	}
	return sig, nil
}

type evaluator struct {
	frame *Frame
	n     int
}

// branch ANDs a condition list into one boolean series. An absent branch is
// all-false: a strategy without exit conditions simply never signals out.
func (ev *evaluator) branch(conds []strategy.Condition, side exitSide) ([]bool, error) {
	out := make([]bool, ev.n)
	if len(conds) == 0 {
		return out, nil
	}
	for i := range out {
		out[i] = true
	}
	for _, cond := range conds {
		series, err := ev.condition(cond, side)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = out[i] && series[i]
		}
	}
	return out, nil
}

func (ev *evaluator) condition(c strategy.Condition, side exitSide) ([]bool, error) {
	switch n := c.(type) {
	case strategy.Compare:
		left, err := ev.value(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := ev.value(n.Right)
		if err != nil {
			return nil, err
		}
		out := make([]bool, ev.n)
		for i := 0; i < ev.n; i++ {
			l, r := left[i], right[i]
			if math.IsNaN(l) || math.IsNaN(r) {
				continue
			}
			switch n.Op {
			case strategy.OpGreaterThan:
				out[i] = l > r
			case strategy.OpLessThan:
				out[i] = l < r
			case strategy.OpEquals:
				out[i] = l == r
			}
		}
		return out, nil

	case strategy.Crossover:
		line1, err := ev.value(n.Line1)
		if err != nil {
			return nil, err
		}
		line2, err := ev.value(n.Line2)
		if err != nil {
			return nil, err
		}
		out := make([]bool, ev.n)
		for i := 1; i < ev.n; i++ {
			p1, p2 := line1[i-1], line2[i-1]
			c1, c2 := line1[i], line2[i]
			if math.IsNaN(p1) || math.IsNaN(p2) || math.IsNaN(c1) || math.IsNaN(c2) {
				continue
			}
			if n.Up {
				out[i] = p1 <= p2 && c1 > c2
			} else {
				out[i] = p1 >= p2 && c1 < c2
			}
		}
		return out, nil

	case strategy.SuperTrendFlip:
		if side == sideNone {
			return nil, errs.Validationf("SUPER_TREND_FLIP is only valid in exit_conditions")
		}
		dir, err := ev.frame.Column(n.IndicatorKey)
		if err != nil {
			return nil, err
		}
		out := make([]bool, ev.n)
		for i := 1; i < ev.n; i++ {
			prev, cur := dir[i-1], dir[i]
			if math.IsNaN(prev) || math.IsNaN(cur) {
				continue
			}
			// Direction flips against the open side close it: a long exits on
			// a downward flip, a short on an upward one.
			if side == sideLongExit {
				out[i] = prev > 0 && cur < 0
			} else {
				out[i] = prev < 0 && cur > 0
			}
		}
		return out, nil

	case strategy.Logical:
		if len(n.Conditions) == 0 {
			return nil, errs.Validationf("%s requires at least one child condition", n.Op)
		}
		acc, err := ev.condition(n.Conditions[0], side)
		if err != nil {
			return nil, err
		}
		out := make([]bool, ev.n)
		copy(out, acc)
		for _, child := range n.Conditions[1:] {
			series, err := ev.condition(child, side)
			if err != nil {
				return nil, err
			}
			for i := range out {
				if n.Op == strategy.OpAnd {
					out[i] = out[i] && series[i]
				} else {
					out[i] = out[i] || series[i]
				}
			}
		}
		return out, nil

	default:
		return nil, errs.Validationf("unsupported condition node %T", c)
	}
}

func (ev *evaluator) value(v strategy.ValueExpr) ([]float64, error) {
	switch e := v.(type) {
	case strategy.Constant:
		out := make([]float64, ev.n)
		for i := range out {
			out[i] = e.Value
		}
		return out, nil
	case strategy.IndicatorValue:
		return ev.frame.Column(e.Key)
	case strategy.PrevIndicatorValue:
		col, err := ev.frame.Column(e.Key)
		if err != nil {
			return nil, err
		}
		out := make([]float64, ev.n)
		if ev.n > 0 {
			out[0] = math.NaN()
			copy(out[1:], col[:ev.n-1])
		}
		return out, nil
	default:
		return nil, errs.Validationf("unsupported value node %T", v)
	}
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
