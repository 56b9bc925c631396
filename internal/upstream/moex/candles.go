package moex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tradeforge/core/internal/market"
)

// candlesResponse wraps the candles matrix of the ISS candles endpoint.
type candlesResponse struct {
	Candles table `json:"candles"`
}

// Candles fetches one page of candles for (symbol, timeframe) starting at
// from. The upstream pages by the from timestamp: an empty page means the
// series is caught up. Candle begin values are Moscow wall-clock time.
func (c *Client) Candles(ctx context.Context, symbol string, tf market.Timeframe, from time.Time) ([]market.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("candles: unsupported timeframe %q", tf)
	}

	query := url.Values{}
	query.Set("interval", strconv.Itoa(tf.UpstreamInterval()))
	if !from.IsZero() {
		query.Set("from", from.In(market.Moscow()).Format(beginLayout))
	}

	path := fmt.Sprintf("/engines/stock/markets/shares/securities/%s/candles.json", url.PathEscape(symbol))

	var resp candlesResponse
	if err := c.get(ctx, "candles", path, query, &resp); err != nil {
		return nil, err
	}
	return parseCandles(symbol, tf, &resp.Candles)
}

func parseCandles(symbol string, tf market.Timeframe, t *table) ([]market.Candle, error) {
	if len(t.Data) == 0 {
		return nil, nil
	}
	idx := t.index()

	candles := make([]market.Candle, 0, len(t.Data))
	for row := range t.Data {
		begin, err := t.moscowTime(idx, row, "begin")
		if err != nil {
			return nil, err
		}
		open, err := t.float(idx, row, "open")
		if err != nil {
			return nil, err
		}
		high, err := t.float(idx, row, "high")
		if err != nil {
			return nil, err
		}
		low, err := t.float(idx, row, "low")
		if err != nil {
			return nil, err
		}
		closePrice, err := t.float(idx, row, "close")
		if err != nil {
			return nil, err
		}
		volume, err := t.float(idx, row, "volume")
		if err != nil {
			return nil, err
		}

		candle := market.Candle{
			Ticker:    symbol,
			Timeframe: tf,
			Begin:     begin,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		}
		if value, ok := t.floatOrZero(idx, row, "value"); ok {
			candle.Value = &value
		}
		candles = append(candles, candle)
	}
	return candles, nil
}
