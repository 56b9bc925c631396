package main

import (
	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/backtest"
	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/config"
	"github.com/tradeforge/core/internal/jobs"
	"github.com/tradeforge/core/internal/strategy"
)

func runConsumeBacktest(cmd *cobra.Command, args []string) error {
	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	sim := backtest.NewSimulator(a.Log, backtest.SimulatorConfig{
		Timeout:              a.Config.Backtest.SimTimeout(),
		TimeoutCheckInterval: a.Config.Backtest.SimTimeoutCheckEvery,
	})

	orchestrator := jobs.NewOrchestrator(
		a.Jobs, a.Batches, a.Tickers, a.Candles, a.Series,
		strategy.NewDefinitionCache(), a.Quota, a.Producer, sim, a.Metrics, a.Log)

	consumer, err := bus.NewConsumer(
		a.ConsumerConfig(config.ConsumerBacktest, bus.TopicBacktestRequests, bus.BacktestRequestSchema),
		orchestrator.Handle, a.Producer, a.Metrics, a.Log)
	if err != nil {
		return err
	}

	serveOps(a, stop)
	a.Log.Info().Msg("backtest orchestrator starting")
	return consumer.Run(ctx)
}
