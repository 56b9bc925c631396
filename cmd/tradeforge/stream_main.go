package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/stream"
)

func runStream(cmd *cobra.Command, args []string) error {
	ctx, stop, a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer a.Close()

	if a.Config.Stream.URL == "" {
		return fmt.Errorf("stream.url is not configured")
	}

	bridge := stream.NewBridge(stream.Config{
		URL:          a.Config.Stream.URL,
		Tickers:      a.Config.Stream.Tickers,
		PingInterval: a.Config.Stream.PingInterval(),
	}, a.Tickers, a.Producer, a.Metrics, a.Log)

	serveOps(a, stop)
	a.Log.Info().Str("url", a.Config.Stream.URL).Msg("quote feed bridge starting")
	return bridge.Run(ctx)
}
