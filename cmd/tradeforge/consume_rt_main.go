package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/config"
	"github.com/tradeforge/core/internal/indicator"
)

func runConsumeRT(cmd *cobra.Command, args []string) error {
	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	hot, err := indicator.ParseHotSet(a.Config.RT.HotIndicators)
	if err != nil {
		return fmt.Errorf("parse hot indicator set: %w", err)
	}

	pipeline := indicator.NewRTPipeline(indicator.RTConfig{
		Hot:          hot,
		ContextDepth: a.Config.RT.ContextDepth,
	}, a.Context, a.Candles, a.Series, indicator.NewBuiltin(), a.Producer, a.Metrics, a.Log)

	consumer, err := bus.NewConsumer(
		a.ConsumerConfig(config.ConsumerRT, bus.TopicRawCandles, bus.RawCandleSchema),
		pipeline.Handle, a.Producer, a.Metrics, a.Log)
	if err != nil {
		return err
	}

	serveOps(a, stop)
	a.Log.Info().Strs("hot", a.Config.RT.HotIndicators).Msg("real-time pipeline starting")
	return consumer.Run(ctx)
}
