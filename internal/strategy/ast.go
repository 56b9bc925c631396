// Package strategy models the declarative strategy definition: a tagged-union
// condition tree over indicator and price series, plus stop-loss/take-profit
// policies. It also derives what a strategy needs before it can run: the set
// of indicator series and the warm-up lookback.
package strategy

// Node type tags as they appear in the JSON definition.
const (
	TypeValue              = "VALUE"
	TypeIndicatorValue     = "INDICATOR_VALUE"
	TypePrevIndicatorValue = "PREV_INDICATOR_VALUE"
	TypeGreaterThan        = "GREATER_THAN"
	TypeLessThan           = "LESS_THAN"
	TypeEquals             = "EQUALS"
	TypeCrossoverUp        = "CROSSOVER_UP"
	TypeCrossoverDown      = "CROSSOVER_DOWN"
	TypeSuperTrendFlip     = "SUPER_TREND_FLIP"
	TypeAnd                = "AND"
	TypeOr                 = "OR"

	TypeIndicatorBased = "INDICATOR_BASED"
	TypePercentage     = "PERCENTAGE"
	TypeRiskReward     = "RISK_REWARD"

	// TargetOppositeToPosition is the only supported SUPER_TREND_FLIP target:
	// the flip that would close the currently open side.
	TargetOppositeToPosition = "OPPOSITE_TO_POSITION"
)

// ValueExpr produces one scalar per candle.
type ValueExpr interface {
	valueExpr()
}

// Constant is a fixed scalar broadcast over the whole series.
type Constant struct {
	Value float64
}

// IndicatorValue looks up a column at the current candle. The key is either
// a canonical indicator key or a bare OHLCV column name.
type IndicatorValue struct {
	Key string
}

// PrevIndicatorValue looks up a column at the previous candle.
type PrevIndicatorValue struct {
	Key string
}

func (Constant) valueExpr()           {}
func (IndicatorValue) valueExpr()     {}
func (PrevIndicatorValue) valueExpr() {}

// Condition produces one boolean per candle.
type Condition interface {
	condition()
}

// CompareOp is the pointwise comparison operator set.
type CompareOp string

const (
	OpGreaterThan CompareOp = TypeGreaterThan
	OpLessThan    CompareOp = TypeLessThan
	OpEquals      CompareOp = TypeEquals
)

// Compare evaluates `left <op> right` per candle.
type Compare struct {
	Op    CompareOp
	Left  ValueExpr
	Right ValueExpr
}

// Crossover is true on the candle where line1 crosses line2. Up means
// line1[t-1] <= line2[t-1] and line1[t] > line2[t]; Down is symmetric.
type Crossover struct {
	Up    bool
	Line1 ValueExpr
	Line2 ValueExpr
}

// SuperTrendFlip fires when the referenced direction column flips sign
// against the open position. It is position-aware: the same node reads as
// "flipped down" for a long exit and "flipped up" for a short exit, and it
// is only legal inside exit conditions.
type SuperTrendFlip struct {
	IndicatorKey    string
	TargetDirection string
}

// LogicalOp joins child conditions.
type LogicalOp string

const (
	OpAnd LogicalOp = TypeAnd
	OpOr  LogicalOp = TypeOr
)

// Logical folds one or more child conditions with AND/OR.
type Logical struct {
	Op         LogicalOp
	Conditions []Condition
}

func (Compare) condition()        {}
func (Crossover) condition()      {}
func (SuperTrendFlip) condition() {}
func (Logical) condition()        {}

// StopLoss configures the protective stop. Exactly one variant is set.
type StopLoss struct {
	Type string

	// INDICATOR_BASED: per-candle stop levels read from indicator columns.
	BuyValueKey  string
	SellValueKey string

	// PERCENTAGE: static stop at entry ± percentage, in (0, 50].
	Percentage float64
}

// TakeProfit configures the profit target. Exactly one variant is set.
type TakeProfit struct {
	Type string

	// PERCENTAGE: target at entry ± percentage, in (0, 100].
	Percentage float64

	// RISK_REWARD: target at entry + ratio·(entry − initial stop); requires
	// a stop-loss to be configured.
	Ratio float64
}

// Definition is the top-level strategy AST. Condition lists are implicitly
// ANDed. A definition is valid iff at least one entry branch is present.
type Definition struct {
	EntryBuyConditions  []Condition
	EntrySellConditions []Condition
	ExitConditions      []Condition
	StopLoss            *StopLoss
	TakeProfit          *TakeProfit
}
