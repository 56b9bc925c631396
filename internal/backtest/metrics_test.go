package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ledger builds a minimal trade sequence from per-trade net profits against
// a 1000 starting balance.
func ledger(nets ...float64) []Trade {
	capital := 1000.0
	trades := make([]Trade, 0, len(nets))
	for _, net := range nets {
		trade := Trade{
			EntryCapital:        capital,
			NetProfitAbs:        net,
			GrossProfitAbs:      net,
			NetProfitPct:        net / 10, // position cost 1000 in these fixtures
			NetProfitCapitalPct: 100 * net / capital,
			ExitCapital:         capital + net,
		}
		capital += net
		trades = append(trades, trade)
	}
	return trades
}

func TestSummarizeCounts(t *testing.T) {
	s := Summarize(ledger(100, 50, -30, 20, -10, -40), 1000)

	assert.Equal(t, 6, s.TotalTrades)
	assert.Equal(t, 3, s.Wins)
	assert.Equal(t, 3, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.Equal(t, 2, s.MaxConsecutiveWins)
	assert.Equal(t, 2, s.MaxConsecutiveLosses)

	// profit factor = (100+50+20) / (30+10+40)
	assert.InDelta(t, 170.0/80.0, s.ProfitFactor, 1e-9)

	assert.InDelta(t, 1000.0, s.InitialBalance, 1e-9)
	assert.InDelta(t, 1090.0, s.FinalBalance, 1e-9)
	assert.InDelta(t, 9.0, s.NetProfitPct, 1e-9)
}

func TestSummarizeDrawdown(t *testing.T) {
	// Equity: 1000 → 1100 → 1150 → 1120 → 1140 → 1130 → 1090.
	// Peak 1150, trough 1090: 60/1150.
	s := Summarize(ledger(100, 50, -30, 20, -10, -40), 1000)
	assert.InDelta(t, 100*60.0/1150.0, s.MaxDrawdownPct, 1e-9)
}

func TestSummarizeStability(t *testing.T) {
	linear := Summarize(ledger(10, 10, 10, 10), 1000)
	assert.InDelta(t, 1.0, linear.StabilityScore, 1e-9,
		"a perfectly linear equity curve scores 1")

	jagged := Summarize(ledger(200, -190, 180, -170), 1000)
	assert.Less(t, jagged.StabilityScore, 0.5)
	assert.GreaterOrEqual(t, jagged.StabilityScore, 0.0)
}

func TestSummarizeSharpeAndStdDev(t *testing.T) {
	s := Summarize(ledger(100, 50, -30), 1000)
	assert.Greater(t, s.NetProfitStdDev, 0.0)
	assert.Greater(t, s.SharpeRatio, 0.0, "positive mean return and positive std")

	flat := Summarize(ledger(10), 1000)
	assert.Zero(t, flat.NetProfitStdDev, "one trade has no spread")
	assert.Zero(t, flat.SharpeRatio)
}

func TestSummarizeEmptyLedger(t *testing.T) {
	s := Summarize(nil, 5000)
	assert.Zero(t, s.TotalTrades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ProfitFactor)
	assert.Zero(t, s.MaxDrawdownPct)
	assert.Zero(t, s.StabilityScore)
	assert.InDelta(t, 5000.0, s.FinalBalance, 1e-12)
}

func TestSummarizeNoLossesKeepsFiniteJSON(t *testing.T) {
	s := Summarize(ledger(10, 20), 1000)
	assert.Zero(t, s.ProfitFactor, "undefined ratios degrade to zero, never Inf")
	assert.Equal(t, 2, s.MaxConsecutiveWins)
	assert.Zero(t, s.MaxConsecutiveLosses)
	assert.Zero(t, s.AvgLossPct)
	assert.InDelta(t, 1.5, s.AvgWinPct, 1e-9)
}
