package strategy

import (
	"fmt"

	"github.com/tradeforge/core/internal/errs"
)

// Validate applies the semantic rules a decoded definition must satisfy
// before it is accepted for simulation:
//
//   - at least one entry branch is present;
//   - every indicator key parses and avoids reserved column names;
//   - SUPER_TREND_FLIP appears only in exit conditions (it reads the open
//     position's side, which entries do not have yet);
//   - percentage stops lie in (0, 50], percentage targets in (0, 100];
//   - RISK_REWARD targets require a configured stop-loss;
//   - INDICATOR_BASED stops name a level series for every entry side in use.
func Validate(def *Definition) error {
	if def == nil {
		return errs.Validationf("nil strategy definition")
	}
	if len(def.EntryBuyConditions) == 0 && len(def.EntrySellConditions) == 0 {
		return errs.Validationf("strategy must define entry_buy_conditions or entry_sell_conditions")
	}

	branches := []struct {
		name      string
		conds     []Condition
		allowFlip bool
	}{
		{"entry_buy_conditions", def.EntryBuyConditions, false},
		{"entry_sell_conditions", def.EntrySellConditions, false},
		{"exit_conditions", def.ExitConditions, true},
	}
	for _, branch := range branches {
		for i, cond := range branch.conds {
			if err := validateCondition(cond, branch.allowFlip); err != nil {
				return errs.ValidationWrap(err, fmt.Sprintf("%s[%d]", branch.name, i))
			}
		}
	}

	if err := validateStopLoss(def); err != nil {
		return err
	}
	return validateTakeProfit(def)
}

func validateCondition(c Condition, allowFlip bool) error {
	checkKey := func(key string) error {
		if IsBaseColumn(key) {
			return nil
		}
		_, err := ParseKey(key)
		return err
	}
	switch n := c.(type) {
	case Compare:
		switch n.Op {
		case OpGreaterThan, OpLessThan, OpEquals:
		default:
			return errs.Validationf("unknown comparison operator %q", n.Op)
		}
		if err := validateValue(n.Left, checkKey); err != nil {
			return err
		}
		return validateValue(n.Right, checkKey)
	case Crossover:
		if err := validateValue(n.Line1, checkKey); err != nil {
			return err
		}
		return validateValue(n.Line2, checkKey)
	case SuperTrendFlip:
		if !allowFlip {
			return errs.Validationf("SUPER_TREND_FLIP is only valid in exit_conditions")
		}
		if n.TargetDirection != TargetOppositeToPosition {
			return errs.Validationf("unsupported SUPER_TREND_FLIP target_direction %q", n.TargetDirection)
		}
		if IsBaseColumn(n.IndicatorKey) {
			return errs.Validationf("SUPER_TREND_FLIP indicator_key %q is a base column", n.IndicatorKey)
		}
		_, err := ParseKey(n.IndicatorKey)
		return err
	case Logical:
		if n.Op != OpAnd && n.Op != OpOr {
			return errs.Validationf("unknown logical operator %q", n.Op)
		}
		if len(n.Conditions) == 0 {
			return errs.Validationf("%s requires at least one child condition", n.Op)
		}
		for i, child := range n.Conditions {
			if err := validateCondition(child, allowFlip); err != nil {
				return errs.ValidationWrap(err, fmt.Sprintf("%s child %d", n.Op, i))
			}
		}
		return nil
	default:
		return errs.Validationf("unsupported condition node %T", c)
	}
}

func validateValue(v ValueExpr, checkKey func(string) error) error {
	switch e := v.(type) {
	case Constant:
		return nil
	case IndicatorValue:
		return checkKey(e.Key)
	case PrevIndicatorValue:
		return checkKey(e.Key)
	default:
		return errs.Validationf("unsupported value node %T", v)
	}
}

func validateStopLoss(def *Definition) error {
	sl := def.StopLoss
	if sl == nil {
		return nil
	}
	switch sl.Type {
	case TypePercentage:
		if sl.Percentage <= 0 || sl.Percentage > 50 {
			return errs.Validationf("stop_loss percentage %.4f out of range (0, 50]", sl.Percentage)
		}
		return nil
	case TypeIndicatorBased:
		if len(def.EntryBuyConditions) > 0 && sl.BuyValueKey == "" {
			return errs.Validationf("indicator-based stop_loss missing buy_value_key for long entries")
		}
		if len(def.EntrySellConditions) > 0 && sl.SellValueKey == "" {
			return errs.Validationf("indicator-based stop_loss missing sell_value_key for short entries")
		}
		for _, key := range []string{sl.BuyValueKey, sl.SellValueKey} {
			if key == "" {
				continue
			}
			if IsBaseColumn(key) {
				continue
			}
			if _, err := ParseKey(key); err != nil {
				return err
			}
		}
		return nil
	default:
		return errs.Validationf("unknown stop_loss type %q", sl.Type)
	}
}

func validateTakeProfit(def *Definition) error {
	tp := def.TakeProfit
	if tp == nil {
		return nil
	}
	switch tp.Type {
	case TypePercentage:
		if tp.Percentage <= 0 || tp.Percentage > 100 {
			return errs.Validationf("take_profit percentage %.4f out of range (0, 100]", tp.Percentage)
		}
		return nil
	case TypeRiskReward:
		if tp.Ratio <= 0 {
			return errs.Validationf("take_profit risk/reward ratio must be positive, got %.4f", tp.Ratio)
		}
		if def.StopLoss == nil {
			return errs.Validationf("RISK_REWARD take_profit requires a stop_loss")
		}
		return nil
	default:
		return errs.Validationf("unknown take_profit type %q", tp.Type)
	}
}
