// Package market holds the shared market-data model: tickers, timeframes,
// and candles, plus the validation rules every ingest path applies.
package market

import (
	"fmt"
	"sync"
	"time"
)

// Timeframe is the closed set of supported candle bucket durations.
type Timeframe string

const (
	TF1Min  Timeframe = "1min"
	TF10Min Timeframe = "10min"
	TF1H    Timeframe = "1h"
	TF1D    Timeframe = "1d"
	TF1W    Timeframe = "1w"
	TF1M    Timeframe = "1m"
)

// Timeframes lists every supported timeframe in ascending duration order.
var Timeframes = []Timeframe{TF1Min, TF10Min, TF1H, TF1D, TF1W, TF1M}

var timeframeMinutes = map[Timeframe]int{
	TF1Min:  1,
	TF10Min: 10,
	TF1H:    60,
	TF1D:    1440,
	TF1W:    10080,
	TF1M:    43200,
}

// upstreamIntervals maps timeframes onto the upstream's integer interval
// encoding (minutes below one day, then 24/7/31 for day/week/month).
var upstreamIntervals = map[Timeframe]int{
	TF1Min:  1,
	TF10Min: 10,
	TF1H:    60,
	TF1D:    24,
	TF1W:    7,
	TF1M:    31,
}

// ParseTimeframe validates s against the closed enumeration.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf belongs to the closed enumeration.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the fixed bucket duration in minutes.
func (tf Timeframe) Minutes() int { return timeframeMinutes[tf] }

// Duration returns the bucket duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// UpstreamInterval returns the provider's integer encoding for tf.
func (tf Timeframe) UpstreamInterval() int { return upstreamIntervals[tf] }

func (tf Timeframe) String() string { return string(tf) }

var (
	moscowOnce sync.Once
	moscowLoc  *time.Location
)

// Moscow returns the exchange timezone all candle begin timestamps carry.
// Falls back to a fixed UTC+3 zone when the tz database is unavailable.
func Moscow() *time.Location {
	moscowOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/Moscow")
		if err != nil {
			loc = time.FixedZone("MSK", 3*60*60)
		}
		moscowLoc = loc
	})
	return moscowLoc
}
