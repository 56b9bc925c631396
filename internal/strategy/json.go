package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/tradeforge/core/internal/errs"
)

// The wire form is a tagged union: every node object carries a "type"
// discriminator. Unknown discriminators are validation errors so that a
// malformed definition is rejected once, on ingress, instead of surfacing
// mid-simulation.

type rawNode struct {
	Type string `json:"type"`

	// VALUE
	Value *float64 `json:"value,omitempty"`

	// INDICATOR_VALUE / PREV_INDICATOR_VALUE
	Key string `json:"key,omitempty"`

	// comparisons
	Left  json.RawMessage `json:"left,omitempty"`
	Right json.RawMessage `json:"right,omitempty"`

	// crossovers
	Line1 json.RawMessage `json:"line1,omitempty"`
	Line2 json.RawMessage `json:"line2,omitempty"`

	// SUPER_TREND_FLIP
	IndicatorKey    string `json:"indicator_key,omitempty"`
	TargetDirection string `json:"target_direction,omitempty"`

	// AND / OR
	Conditions []json.RawMessage `json:"conditions,omitempty"`
}

// UnmarshalValueExpr decodes a single value node.
func UnmarshalValueExpr(raw json.RawMessage) (ValueExpr, error) {
	var n rawNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errs.ValidationWrap(err, "malformed value node")
	}
	switch n.Type {
	case TypeValue:
		if n.Value == nil {
			return nil, errs.Validationf("VALUE node missing value")
		}
		return Constant{Value: *n.Value}, nil
	case TypeIndicatorValue:
		if n.Key == "" {
			return nil, errs.Validationf("INDICATOR_VALUE node missing key")
		}
		return IndicatorValue{Key: n.Key}, nil
	case TypePrevIndicatorValue:
		if n.Key == "" {
			return nil, errs.Validationf("PREV_INDICATOR_VALUE node missing key")
		}
		return PrevIndicatorValue{Key: n.Key}, nil
	case "":
		return nil, errs.Validationf("value node missing type")
	default:
		return nil, errs.Validationf("unknown value node type %q", n.Type)
	}
}

// UnmarshalCondition decodes a single condition node, recursing into
// children.
func UnmarshalCondition(raw json.RawMessage) (Condition, error) {
	var n rawNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errs.ValidationWrap(err, "malformed condition node")
	}
	switch n.Type {
	case TypeGreaterThan, TypeLessThan, TypeEquals:
		left, err := operand(n.Left, n.Type, "left")
		if err != nil {
			return nil, err
		}
		right, err := operand(n.Right, n.Type, "right")
		if err != nil {
			return nil, err
		}
		return Compare{Op: CompareOp(n.Type), Left: left, Right: right}, nil

	case TypeCrossoverUp, TypeCrossoverDown:
		line1, err := operand(n.Line1, n.Type, "line1")
		if err != nil {
			return nil, err
		}
		line2, err := operand(n.Line2, n.Type, "line2")
		if err != nil {
			return nil, err
		}
		return Crossover{Up: n.Type == TypeCrossoverUp, Line1: line1, Line2: line2}, nil

	case TypeSuperTrendFlip:
		if n.IndicatorKey == "" {
			return nil, errs.Validationf("SUPER_TREND_FLIP node missing indicator_key")
		}
		target := n.TargetDirection
		if target == "" {
			target = TargetOppositeToPosition
		}
		if target != TargetOppositeToPosition {
			return nil, errs.Validationf("unsupported SUPER_TREND_FLIP target_direction %q", target)
		}
		return SuperTrendFlip{IndicatorKey: n.IndicatorKey, TargetDirection: target}, nil

	case TypeAnd, TypeOr:
		if len(n.Conditions) == 0 {
			return nil, errs.Validationf("%s node requires at least one child condition", n.Type)
		}
		children := make([]Condition, 0, len(n.Conditions))
		for i, rawChild := range n.Conditions {
			child, err := UnmarshalCondition(rawChild)
			if err != nil {
				return nil, errs.ValidationWrap(err, fmt.Sprintf("%s child %d", n.Type, i))
			}
			children = append(children, child)
		}
		return Logical{Op: LogicalOp(n.Type), Conditions: children}, nil

	case "":
		return nil, errs.Validationf("condition node missing type")
	default:
		return nil, errs.Validationf("unknown condition node type %q", n.Type)
	}
}

func operand(raw json.RawMessage, parent, field string) (ValueExpr, error) {
	if len(raw) == 0 {
		return nil, errs.Validationf("%s node missing %s operand", parent, field)
	}
	expr, err := UnmarshalValueExpr(raw)
	if err != nil {
		return nil, errs.ValidationWrap(err, fmt.Sprintf("%s %s operand", parent, field))
	}
	return expr, nil
}

type rawStopLoss struct {
	Type         string  `json:"type"`
	BuyValueKey  string  `json:"buy_value_key,omitempty"`
	SellValueKey string  `json:"sell_value_key,omitempty"`
	Percentage   float64 `json:"percentage,omitempty"`
}

type rawTakeProfit struct {
	Type       string  `json:"type"`
	Percentage float64 `json:"percentage,omitempty"`
	Ratio      float64 `json:"ratio,omitempty"`
}

type rawDefinition struct {
	EntryBuyConditions  []json.RawMessage `json:"entry_buy_conditions,omitempty"`
	EntrySellConditions []json.RawMessage `json:"entry_sell_conditions,omitempty"`
	ExitConditions      []json.RawMessage `json:"exit_conditions,omitempty"`
	StopLoss            *rawStopLoss      `json:"stop_loss,omitempty"`
	TakeProfit          *rawTakeProfit    `json:"take_profit,omitempty"`
}

// UnmarshalJSON decodes the full definition and rejects structurally invalid
// trees. Semantic validation (ranges, key grammar, branch presence) lives in
// Validate.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.ValidationWrap(err, "malformed strategy definition")
	}

	decodeList := func(branch string, raws []json.RawMessage) ([]Condition, error) {
		if len(raws) == 0 {
			return nil, nil
		}
		out := make([]Condition, 0, len(raws))
		for i, r := range raws {
			c, err := UnmarshalCondition(r)
			if err != nil {
				return nil, errs.ValidationWrap(err, fmt.Sprintf("%s[%d]", branch, i))
			}
			out = append(out, c)
		}
		return out, nil
	}

	var err error
	if d.EntryBuyConditions, err = decodeList("entry_buy_conditions", raw.EntryBuyConditions); err != nil {
		return err
	}
	if d.EntrySellConditions, err = decodeList("entry_sell_conditions", raw.EntrySellConditions); err != nil {
		return err
	}
	if d.ExitConditions, err = decodeList("exit_conditions", raw.ExitConditions); err != nil {
		return err
	}
	if raw.StopLoss != nil {
		d.StopLoss = &StopLoss{
			Type:         raw.StopLoss.Type,
			BuyValueKey:  raw.StopLoss.BuyValueKey,
			SellValueKey: raw.StopLoss.SellValueKey,
			Percentage:   raw.StopLoss.Percentage,
		}
	}
	if raw.TakeProfit != nil {
		d.TakeProfit = &TakeProfit{
			Type:       raw.TakeProfit.Type,
			Percentage: raw.TakeProfit.Percentage,
			Ratio:      raw.TakeProfit.Ratio,
		}
	}
	return nil
}

// MarshalJSON renders the definition back to its tagged wire form. Decoding
// what Marshal produced yields an equivalent tree, which keeps persisted
// definition snapshots replayable.
func (d Definition) MarshalJSON() ([]byte, error) {
	raw := rawDefinition{}
	encodeList := func(conds []Condition) ([]json.RawMessage, error) {
		if len(conds) == 0 {
			return nil, nil
		}
		out := make([]json.RawMessage, 0, len(conds))
		for _, c := range conds {
			b, err := marshalCondition(c)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	}

	var err error
	if raw.EntryBuyConditions, err = encodeList(d.EntryBuyConditions); err != nil {
		return nil, err
	}
	if raw.EntrySellConditions, err = encodeList(d.EntrySellConditions); err != nil {
		return nil, err
	}
	if raw.ExitConditions, err = encodeList(d.ExitConditions); err != nil {
		return nil, err
	}
	if d.StopLoss != nil {
		raw.StopLoss = &rawStopLoss{
			Type:         d.StopLoss.Type,
			BuyValueKey:  d.StopLoss.BuyValueKey,
			SellValueKey: d.StopLoss.SellValueKey,
			Percentage:   d.StopLoss.Percentage,
		}
	}
	if d.TakeProfit != nil {
		raw.TakeProfit = &rawTakeProfit{
			Type:       d.TakeProfit.Type,
			Percentage: d.TakeProfit.Percentage,
			Ratio:      d.TakeProfit.Ratio,
		}
	}
	return json.Marshal(raw)
}

func marshalValueExpr(v ValueExpr) (json.RawMessage, error) {
	switch e := v.(type) {
	case Constant:
		return json.Marshal(struct {
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		}{TypeValue, e.Value})
	case IndicatorValue:
		return json.Marshal(struct {
			Type string `json:"type"`
			Key  string `json:"key"`
		}{TypeIndicatorValue, e.Key})
	case PrevIndicatorValue:
		return json.Marshal(struct {
			Type string `json:"type"`
			Key  string `json:"key"`
		}{TypePrevIndicatorValue, e.Key})
	default:
		return nil, fmt.Errorf("unsupported value expr %T", v)
	}
}

func marshalCondition(c Condition) (json.RawMessage, error) {
	switch n := c.(type) {
	case Compare:
		left, err := marshalValueExpr(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := marshalValueExpr(n.Right)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			Left  json.RawMessage `json:"left"`
			Right json.RawMessage `json:"right"`
		}{string(n.Op), left, right})
	case Crossover:
		line1, err := marshalValueExpr(n.Line1)
		if err != nil {
			return nil, err
		}
		line2, err := marshalValueExpr(n.Line2)
		if err != nil {
			return nil, err
		}
		typ := TypeCrossoverDown
		if n.Up {
			typ = TypeCrossoverUp
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			Line1 json.RawMessage `json:"line1"`
			Line2 json.RawMessage `json:"line2"`
		}{typ, line1, line2})
	case SuperTrendFlip:
		return json.Marshal(struct {
			Type            string `json:"type"`
			IndicatorKey    string `json:"indicator_key"`
			TargetDirection string `json:"target_direction"`
		}{TypeSuperTrendFlip, n.IndicatorKey, n.TargetDirection})
	case Logical:
		children := make([]json.RawMessage, 0, len(n.Conditions))
		for _, child := range n.Conditions {
			b, err := marshalCondition(child)
			if err != nil {
				return nil, err
			}
			children = append(children, b)
		}
		return json.Marshal(struct {
			Type       string            `json:"type"`
			Conditions []json.RawMessage `json:"conditions"`
		}{string(n.Op), children})
	default:
		return nil, fmt.Errorf("unsupported condition %T", c)
	}
}
