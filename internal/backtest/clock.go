package backtest

import "time"

// Clock abstracts wall time for the simulation timeout guard. Results never
// depend on it; only the abort decision does, which keeps the trade ledger
// deterministic while the guard stays testable.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }
