package backtest

import "math"

// Summary aggregates the trade ledger. Every ratio with a degenerate
// denominator (no trades, no losses, zero variance) reports zero so the
// struct always serializes to finite JSON.
type Summary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`

	InitialBalance float64 `json:"initial_balance"`
	FinalBalance   float64 `json:"final_balance"`

	GrossProfitPct float64 `json:"gross_profit_pct"`
	NetProfitPct   float64 `json:"net_profit_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	AvgWinPct       float64 `json:"avg_win_pct"`
	AvgLossPct      float64 `json:"avg_loss_pct"`
	NetProfitStdDev float64 `json:"net_profit_std_dev"`
	ProfitFactor    float64 `json:"profit_factor"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	StabilityScore  float64 `json:"stability_score"`

	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`
}

// Summarize computes the metrics block from a closed-trade ledger. The
// equity curve is sampled at trade granularity: the initial balance followed
// by each trade's exit capital.
func Summarize(trades []Trade, initialBalance float64) Summary {
	s := Summary{
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		TotalTrades:    len(trades),
	}
	if len(trades) > 0 {
		s.FinalBalance = trades[len(trades)-1].ExitCapital
	}

	equity := make([]float64, 0, len(trades)+1)
	equity = append(equity, initialBalance)

	var (
		grossTotal, netTotal   float64
		winPctSum, lossPctSum  float64
		grossWins, grossLosses float64
		returns                []float64
		curWins, curLosses     int
	)
	for _, t := range trades {
		equity = append(equity, t.ExitCapital)
		grossTotal += t.GrossProfitAbs
		netTotal += t.NetProfitAbs
		returns = append(returns, t.NetProfitCapitalPct)

		switch {
		case t.Win():
			s.Wins++
			winPctSum += t.NetProfitPct
			grossWins += t.NetProfitAbs
			curWins++
			curLosses = 0
		case t.Loss():
			s.Losses++
			lossPctSum += t.NetProfitPct
			grossLosses += -t.NetProfitAbs
			curLosses++
			curWins = 0
		default:
			curWins, curLosses = 0, 0
		}
		if curWins > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = curWins
		}
		if curLosses > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = curLosses
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = 100 * float64(s.Wins) / float64(s.TotalTrades)
	}
	if initialBalance > 0 {
		s.GrossProfitPct = 100 * grossTotal / initialBalance
		s.NetProfitPct = 100 * netTotal / initialBalance
	}
	if s.Wins > 0 {
		s.AvgWinPct = winPctSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLossPct = lossPctSum / float64(s.Losses)
	}
	if grossLosses > 0 {
		s.ProfitFactor = grossWins / grossLosses
	}

	s.NetProfitStdDev = stdDev(returns)
	if s.NetProfitStdDev > 0 {
		s.SharpeRatio = mean(returns) / s.NetProfitStdDev
	}
	s.MaxDrawdownPct = maxDrawdownPct(equity)
	s.StabilityScore = stabilityScore(equity)
	return s
}

// maxDrawdownPct walks the equity curve tracking the running peak and the
// deepest percentage fall from it.
func maxDrawdownPct(equity []float64) float64 {
	var peak, maxDD float64
	for i, e := range equity {
		if i == 0 || e > peak {
			peak = e
		}
		if peak <= 0 {
			continue
		}
		if dd := 100 * (peak - e) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// stabilityScore is the R² of a least-squares line fit through the equity
// curve indexed 0..n-1. A perfectly steady curve scores 1, an erratic one
// approaches 0; fewer than two points score 0.
func stabilityScore(equity []float64) float64 {
	n := len(equity)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range equity {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssRes, ssTot float64
	for i, y := range equity {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		// A flat curve fits its own line exactly.
		return 1
	}
	r2 := 1 - ssRes/ssTot
	if r2 < 0 {
		return 0
	}
	return r2
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the sample standard deviation; fewer than two points yield 0.
func stdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(n-1))
}
