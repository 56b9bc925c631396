package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/collector"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/scheduler"
	"github.com/tradeforge/core/internal/upstream/moex"
)

func runSchedule(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	syncOnly, _ := cmd.Flags().GetBool("sync-state")

	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	timeframes := make([]market.Timeframe, 0, len(a.Config.Collector.Timeframes))
	for _, s := range a.Config.Collector.Timeframes {
		tf, err := market.ParseTimeframe(s)
		if err != nil {
			return err
		}
		timeframes = append(timeframes, tf)
	}

	client := moex.NewClient(moex.Config{
		BaseURL:           a.Config.Moex.BaseURL,
		RequestTimeout:    a.Config.Moex.RequestTimeout(),
		RateLimitRequests: a.Config.Moex.RateLimitRequests,
		RateLimitSeconds:  a.Config.Moex.RateLimitSeconds,
	}, a.Log)
	client.SetRequestCallback(a.Metrics.RecordUpstreamRequest)

	sched := collector.NewScheduler(collector.SchedulerConfig{
		MarketCode: a.Config.Collector.MarketCode,
		Board:      a.Config.Collector.Board,
		Timeframes: timeframes,
	}, client, a.Tickers, a.Candles, a.Checkpoints, a.Producer, a.Log)

	if syncOnly {
		moved, err := sched.SyncState(ctx)
		if err != nil {
			return fmt.Errorf("sync collector state: %w", err)
		}
		a.Log.Info().Int("checkpoints_moved", moved).Msg("collector state synced")
		return nil
	}

	runner, err := scheduler.New(a.Config.Scheduler.JobsFile, sched, a.Log)
	if err != nil {
		return err
	}

	if once {
		var merr *multierror.Error
		for _, res := range runner.RunEnabled(ctx) {
			if !res.Success {
				merr = multierror.Append(merr, fmt.Errorf("job %s: %s", res.JobName, res.Error))
			}
		}
		return merr.ErrorOrNil()
	}

	serveOps(a, stop)
	a.Log.Info().Int("jobs", len(runner.Jobs())).Msg("scheduler daemon starting")
	if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
