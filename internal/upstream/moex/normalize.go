package moex

import (
	"github.com/shopspring/decimal"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
)

// NormalizeCandle snaps candle prices onto the instrument's price grid:
// rounded to the listed decimal places and aligned to min_step. Float noise
// from JSON decoding lands off-grid often enough that snapping beats
// rejecting; a candle that violates its own OHLC invariants after snapping
// is a permanent data error.
func NormalizeCandle(c market.Candle, t market.Ticker) (market.Candle, error) {
	if t.Decimals >= 0 {
		c.Open = snapPrice(c.Open, t)
		c.High = snapPrice(c.High, t)
		c.Low = snapPrice(c.Low, t)
		c.Close = snapPrice(c.Close, t)
	}
	if err := c.Validate(); err != nil {
		return market.Candle{}, errs.ValidationWrap(err, "upstream candle rejected")
	}
	return c, nil
}

func snapPrice(price float64, t market.Ticker) float64 {
	d := decimal.NewFromFloat(price)
	if t.MinStep > 0 {
		step := decimal.NewFromFloat(t.MinStep)
		d = d.Div(step).Round(0).Mul(step)
	}
	snapped, _ := d.Round(int32(t.Decimals)).Float64()
	return snapped
}
