package main

import (
	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/collector"
	"github.com/tradeforge/core/internal/config"
	"github.com/tradeforge/core/internal/upstream/moex"
)

func runConsumeCollector(cmd *cobra.Command, args []string) error {
	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	client := moex.NewClient(moex.Config{
		BaseURL:           a.Config.Moex.BaseURL,
		RequestTimeout:    a.Config.Moex.RequestTimeout(),
		RateLimitRequests: a.Config.Moex.RateLimitRequests,
		RateLimitSeconds:  a.Config.Moex.RateLimitSeconds,
	}, a.Log)
	client.SetRequestCallback(a.Metrics.RecordUpstreamRequest)

	worker := collector.NewWorker(client, a.Tickers, a.Candles, a.Checkpoints, a.Metrics, a.Log)

	consumer, err := bus.NewConsumer(
		a.ConsumerConfig(config.ConsumerCollector, bus.TopicCollectorTasks, bus.CollectorTaskSchema),
		worker.Handle, a.Producer, a.Metrics, a.Log)
	if err != nil {
		return err
	}

	serveOps(a, stop)
	a.Log.Info().Msg("collector worker starting")
	return consumer.Run(ctx)
}
