package main

import (
	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/config"
	"github.com/tradeforge/core/internal/indicator"
)

func runConsumeBatch(cmd *cobra.Command, args []string) error {
	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	worker := indicator.NewBatchWorker(indicator.BatchConfig{
		LockTimeout: a.Config.Batch.LockTimeout(),
		LockPoll:    a.Config.Batch.LockPoll(),
		LockTTL:     a.Config.Batch.LockTTL(),
	}, a.Candles, a.Series, indicator.NewBuiltin(), indicator.CacheLocker{Manager: a.Locks}, a.Producer, a.Metrics, a.Log)

	consumer, err := bus.NewConsumer(
		a.ConsumerConfig(config.ConsumerBatch, bus.TopicCalcRequests, bus.CalculationRequestSchema),
		worker.Handle, a.Producer, a.Metrics, a.Log)
	if err != nil {
		return err
	}

	serveOps(a, stop)
	a.Log.Info().Msg("batch calculation worker starting")
	return consumer.Run(ctx)
}
