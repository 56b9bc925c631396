package backtest

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

const (
	// DefaultTimeout bounds one simulation run; breach aborts with a
	// retryable error.
	DefaultTimeout = 300 * time.Second

	// DefaultTimeoutCheckInterval is how many candles pass between wall-clock
	// checks. The loop itself never reads the clock otherwise.
	DefaultTimeoutCheckInterval = 1000

	// DefaultPositionSizeMultiplier applies the full entry capital.
	DefaultPositionSizeMultiplier = 1.0

	// MaxCommissionRate is the per-leg ceiling (1%).
	MaxCommissionRate = 0.01

	// MaxPositionSizeMultiplier caps leverage-style sizing.
	MaxPositionSizeMultiplier = 10.0
)

// Config carries the user-supplied simulation parameters, snapshotted in the
// job row.
type Config struct {
	InitialBalance         float64 `json:"initial_balance"`
	CommissionRate         float64 `json:"commission_rate"`
	PositionSizeMultiplier float64 `json:"position_size_multiplier,omitempty"`
}

// Validate enforces the parameter ranges. A zero multiplier reads as "use
// the default".
func (c Config) Validate() error {
	if c.InitialBalance <= 0 {
		return errs.Validationf("initial_balance must be positive, got %.4f", c.InitialBalance)
	}
	if c.CommissionRate < 0 || c.CommissionRate > MaxCommissionRate {
		return errs.Validationf("commission_rate %.6f out of range [0, %.2f]", c.CommissionRate, MaxCommissionRate)
	}
	if c.PositionSizeMultiplier != 0 &&
		(c.PositionSizeMultiplier < 0 || c.PositionSizeMultiplier > MaxPositionSizeMultiplier) {
		return errs.Validationf("position_size_multiplier %.4f out of range (0, %.0f]", c.PositionSizeMultiplier, MaxPositionSizeMultiplier)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PositionSizeMultiplier == 0 {
		c.PositionSizeMultiplier = DefaultPositionSizeMultiplier
	}
	return c
}

// SimulatorConfig tunes the runtime guards, not the trading arithmetic.
type SimulatorConfig struct {
	Timeout              time.Duration
	TimeoutCheckInterval int
}

// Simulator steps a frame candle-by-candle against pre-computed signals.
// Runs are deterministic: wall time is consulted only by the timeout guard,
// which can abort a run but never alter its ledger.
type Simulator struct {
	clock      Clock
	log        zerolog.Logger
	timeout    time.Duration
	checkEvery int
}

// NewSimulator builds a simulator with the system clock.
func NewSimulator(log zerolog.Logger, cfg SimulatorConfig) *Simulator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	return &Simulator{
		clock:      SystemClock(),
		log:        log,
		timeout:    cfg.Timeout,
		checkEvery: cfg.TimeoutCheckInterval,
	}
}

// WithClock swaps the clock used by the timeout guard.
func (s *Simulator) WithClock(c Clock) *Simulator {
	s.clock = c
	return s
}

// Run executes one backtest. The frame must already contain every indicator
// column the definition references, covering warm-up rows before SimStart.
func (s *Simulator) Run(ctx context.Context, f *Frame, def *strategy.Definition, cfg Config, ticker market.Ticker) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if f == nil || f.Len() == 0 {
		return nil, errs.Validationf("empty candle frame")
	}
	if ticker.LotSize <= 0 {
		return nil, errs.Validationf("ticker %s has invalid lot_size %d", ticker.Symbol, ticker.LotSize)
	}

	sig, err := EvaluateSignals(def, f)
	if err != nil {
		return nil, err
	}

	n := f.Len()
	loopStart := f.SimStart()
	if loopStart < 1 {
		// The first row only serves as the crossover reference.
		loopStart = 1
	}

	s.log.Info().
		Str("ticker", f.Ticker).
		Str("timeframe", string(f.Timeframe)).
		Int("candles", n).
		Int("sim_start", loopStart).
		Float64("initial_balance", cfg.InitialBalance).
		Msg("starting simulation")

	run := &simRun{
		f:       f,
		sig:     sig,
		def:     def,
		cfg:     cfg,
		lotSize: ticker.LotSize,
		capital: cfg.InitialBalance,
		log:     s.log,
	}

	started := s.clock.Now()
	processed := 0
	for i := loopStart; i < n; i++ {
		processed++
		if processed%s.checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errs.Retryablef("simulation cancelled at candle %d: %v", i, err)
			}
			if elapsed := s.clock.Since(started); elapsed > s.timeout {
				return nil, errs.SimulationTimeout(elapsed, s.timeout)
			}
			s.log.Debug().
				Int("candle", i).
				Int("total", n).
				Int("trades", len(run.trades)).
				Msg("simulation progress")
		}
		run.step(i)
	}

	// Whatever is still open settles at the final close.
	if run.pos != nil {
		run.closePosition(n-1, f.Close[n-1], ExitEndOfData, false)
	}

	summary := Summarize(run.trades, cfg.InitialBalance)
	s.log.Info().
		Str("ticker", f.Ticker).
		Int("trades", summary.TotalTrades).
		Float64("final_balance", summary.FinalBalance).
		Float64("net_profit_pct", summary.NetProfitPct).
		Dur("elapsed", s.clock.Since(started)).
		Msg("simulation complete")

	simulated := n - f.SimStart()
	if simulated < 0 {
		simulated = 0
	}
	return &Result{Trades: run.trades, Summary: summary, SimulatedCandles: simulated}, nil
}

// position is the mutable open-trade state inside one run.
type position struct {
	side         Side
	entryIdx     int
	entryPrice   float64
	numLots      int64
	quantity     float64
	positionCost float64
	entryCapital float64
	initialSL    float64
	currentSL    float64
	takeProfit   float64
}

type simRun struct {
	f       *Frame
	sig     *Signals
	def     *strategy.Definition
	cfg     Config
	lotSize int
	log     zerolog.Logger

	capital float64
	trades  []Trade
	pos     *position
}

// step applies the strict per-candle ordering: exits first (stop-loss, then
// take-profit, then signal), flip re-entry, trailing update for survivors,
// then fresh entries when flat.
func (r *simRun) step(i int) {
	survived := r.pos != nil
	if r.pos != nil {
		if price, reason, fired := r.exitCheck(i); fired {
			survived = false
			closedSide := r.pos.side
			flipSide, flip := r.flipTarget(i, closedSide)
			r.closePosition(i, price, reason, flip)
			if flip {
				r.openPosition(i, flipSide)
			}
		}
	}

	if survived {
		r.trail(i)
	}

	if r.pos == nil {
		buy, sell := r.sig.EntryBuy[i], r.sig.EntrySell[i]
		switch {
		case buy && sell:
			r.log.Warn().
				Time("begin", r.f.Begin[i]).
				Str("ticker", r.f.Ticker).
				Msg("ambiguous entry signals on one candle, skipping")
		case buy:
			r.openPosition(i, SideLong)
		case sell:
			r.openPosition(i, SideShort)
		}
	}
}

// exitCheck evaluates the exit ladder for the open position. First true rule
// wins, so a candle that pierces the stop never reaches the signal check.
func (r *simRun) exitCheck(i int) (float64, ExitReason, bool) {
	p := r.pos
	if p.side == SideLong {
		if r.f.Low[i] <= p.currentSL {
			return p.currentSL, ExitStopLoss, true
		}
		if r.f.High[i] >= p.takeProfit {
			return p.takeProfit, ExitTakeProfit, true
		}
		if r.sig.ExitLong[i] {
			return r.f.Close[i], ExitSignal, true
		}
		return 0, "", false
	}
	if r.f.High[i] >= p.currentSL {
		return p.currentSL, ExitStopLoss, true
	}
	if r.f.Low[i] <= p.takeProfit {
		return p.takeProfit, ExitTakeProfit, true
	}
	if r.sig.ExitShort[i] {
		return r.f.Close[i], ExitSignal, true
	}
	return 0, "", false
}

// flipTarget reports whether the candle that closed a position also carries
// an unambiguous opposite entry signal.
func (r *simRun) flipTarget(i int, closed Side) (Side, bool) {
	buy, sell := r.sig.EntryBuy[i], r.sig.EntrySell[i]
	if buy == sell {
		return "", false
	}
	if closed == SideLong && sell {
		return SideShort, true
	}
	if closed == SideShort && buy {
		return SideLong, true
	}
	return "", false
}

// trail tightens the stop toward price. Long stops only rise, short stops
// only fall; an unset stop adopts the first available level.
func (r *simRun) trail(i int) {
	p := r.pos
	var level float64
	if p.side == SideLong {
		level = r.sig.SLLong[i]
	} else {
		level = r.sig.SLShort[i]
	}
	if math.IsNaN(level) {
		return
	}
	switch {
	case math.IsNaN(p.currentSL):
		p.currentSL = level
	case p.side == SideLong && level > p.currentSL:
		p.currentSL = level
	case p.side == SideShort && level < p.currentSL:
		p.currentSL = level
	}
}

// openPosition sizes and opens a trade at the candle close. Returns false
// when the capital cannot buy a single lot.
func (r *simRun) openPosition(i int, side Side) bool {
	price := r.f.Close[i]
	lotCost := price * float64(r.lotSize)
	if lotCost <= 0 {
		return false
	}
	numLots := int64(math.Floor(r.capital * r.cfg.PositionSizeMultiplier / lotCost))
	if numLots <= 0 {
		r.log.Debug().
			Time("begin", r.f.Begin[i]).
			Float64("capital", r.capital).
			Float64("lot_cost", lotCost).
			Msg("insufficient capital for one lot, entry skipped")
		return false
	}
	quantity := float64(numLots) * float64(r.lotSize)

	sl := r.initialStop(i, side, price)
	tp := r.initialTarget(side, price, sl)

	r.pos = &position{
		side:         side,
		entryIdx:     i,
		entryPrice:   price,
		numLots:      numLots,
		quantity:     quantity,
		positionCost: price * quantity,
		entryCapital: r.capital,
		initialSL:    sl,
		currentSL:    sl,
		takeProfit:   tp,
	}
	return true
}

// initialStop derives the entry-time stop level; NaN means no stop yet.
func (r *simRun) initialStop(i int, side Side, entry float64) float64 {
	sl := r.def.StopLoss
	if sl == nil {
		return math.NaN()
	}
	switch sl.Type {
	case strategy.TypePercentage:
		if side == SideLong {
			return entry * (1 - sl.Percentage/100)
		}
		return entry * (1 + sl.Percentage/100)
	case strategy.TypeIndicatorBased:
		if side == SideLong {
			return r.sig.SLLong[i]
		}
		return r.sig.SLShort[i]
	}
	return math.NaN()
}

// initialTarget derives the take-profit level; NaN means no target. The
// risk/reward variant needs a concrete initial stop to measure risk, so an
// indicator stop that is NaN at entry leaves the target unset.
func (r *simRun) initialTarget(side Side, entry, initialSL float64) float64 {
	tp := r.def.TakeProfit
	if tp == nil {
		return math.NaN()
	}
	switch tp.Type {
	case strategy.TypePercentage:
		if side == SideLong {
			return entry * (1 + tp.Percentage/100)
		}
		return entry * (1 - tp.Percentage/100)
	case strategy.TypeRiskReward:
		if math.IsNaN(initialSL) {
			return math.NaN()
		}
		if side == SideLong {
			return entry + tp.Ratio*(entry-initialSL)
		}
		return entry - tp.Ratio*(initialSL-entry)
	}
	return math.NaN()
}

// closePosition books the trade and frees the slot. Commission hits both
// legs at position_cost * rate each.
func (r *simRun) closePosition(i int, price float64, reason ExitReason, flip bool) {
	p := r.pos
	gross := (price - p.entryPrice) * p.quantity
	if p.side == SideShort {
		gross = (p.entryPrice - price) * p.quantity
	}
	commission := 2 * p.positionCost * r.cfg.CommissionRate
	net := gross - commission
	exitCapital := p.entryCapital + net

	entryTime := r.f.Begin[p.entryIdx]
	exitTime := r.f.Begin[i]

	trade := Trade{
		Side:                p.side,
		EntryTime:           entryTime,
		ExitTime:            exitTime,
		EntryPrice:          p.entryPrice,
		ExitPrice:           price,
		Quantity:            p.quantity,
		LotSize:             r.lotSize,
		NumLots:             p.numLots,
		PositionCost:        p.positionCost,
		EntryCapital:        p.entryCapital,
		ExitCapital:         exitCapital,
		InitialStopLoss:     optional(p.initialSL),
		FinalStopLoss:       optional(p.currentSL),
		TakeProfit:          optional(p.takeProfit),
		GrossProfitAbs:      gross,
		NetProfitAbs:        net,
		Commission:          commission,
		GrossProfitPct:      100 * gross / p.positionCost,
		NetProfitPct:        100 * net / p.positionCost,
		NetProfitCapitalPct: 100 * net / p.entryCapital,
		DurationHours:       exitTime.Sub(entryTime).Hours(),
		DurationCandles:     i - p.entryIdx,
		IsFlip:              flip,
		ExitReason:          reason,
	}
	r.trades = append(r.trades, trade)
	r.capital = exitCapital
	r.pos = nil
}

func optional(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	out := v
	return &out
}
