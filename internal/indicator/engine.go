// Package indicator computes technical-indicator series over candle windows
// and hosts the two compute paths built on top: the RT pipeline enriching
// live candles and the batch worker filling series for backtests.
package indicator

import (
	"context"
	"time"

	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/strategy"
)

// LibraryBuiltin names the in-process engine on calculation requests.
const LibraryBuiltin = "builtin"

// Engine computes one indicator's output column over a candle window. The
// result is aligned with candles index-for-index; positions inside the
// warm-up window are NaN.
type Engine interface {
	Compute(ind strategy.Indicator, candles []market.Candle) ([]float64, error)
	Supports(name string) bool
}

// Releaser frees one held advisory lock.
type Releaser interface {
	Release(ctx context.Context) error
}

// Locker serializes writers per indicator series. Acquire returns a nil
// Releaser without error when the lock is contended past the timeout.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout, poll, ttl time.Duration) (Releaser, error)
}
