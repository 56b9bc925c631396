package jobs

import (
	"time"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/indicator"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

// calculationRequest builds the batch-computation envelope for a job. The
// window starts at the warm-up boundary, not the job's start date, so the
// computed series covers the lookback rows the simulation frame will load.
func calculationRequest(job *persistence.BacktestJob, inds []strategy.Indicator, from time.Time) bus.CalculationRequest {
	specs := make([]bus.IndicatorSpec, 0, len(inds))
	for _, ind := range inds {
		specs = append(specs, bus.IndicatorSpec{
			IndicatorKey: ind.Key(),
			Name:         ind.Name,
			Library:      indicator.LibraryBuiltin,
			Params:       ind.Params,
		})
	}
	return bus.CalculationRequest{
		JobID:      job.ID,
		Ticker:     job.Ticker,
		Timeframe:  job.Timeframe,
		StartDate:  from,
		EndDate:    job.EndDate,
		Indicators: specs,
	}
}

// pickIndicators filters the resolved requirements down to the given keys.
// Only gaps get recomputed; series already materialized are left alone.
func pickIndicators(reqs strategy.Requirements, keys []string) []strategy.Indicator {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := make([]strategy.Indicator, 0, len(keys))
	for _, ind := range reqs.Indicators {
		if _, ok := want[ind.Key()]; ok {
			out = append(out, ind)
		}
	}
	return out
}
