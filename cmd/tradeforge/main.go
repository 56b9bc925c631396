package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "tradeforge"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "trade-forge signal compute workers",
		Version: version,
		Long: `tradeforge runs the compute workers of the trade-forge platform:
market data collection, real-time and batch indicator computation, and
backtest orchestration. Each subcommand is one worker; every worker serves
/health/live, /health/ready and /metrics next to its consumer loop.`,
	}
	rootCmd.PersistentFlags().String("config", "config/tradeforge.yaml", "Path to the YAML config file")

	consumeRTCmd := &cobra.Command{
		Use:   "consume-rt",
		Short: "Run the real-time indicator pipeline",
		Long:  "Consumes raw candles, computes the hot indicator set over the rolling context window, and republishes enriched candles. Runs strictly one message at a time.",
		RunE:  runConsumeRT,
	}

	consumeBatchCmd := &cobra.Command{
		Use:   "consume-batch",
		Short: "Run the batch indicator calculation worker",
		Long:  "Consumes calculation requests, computes the requested indicator series over historical candles, persists them under per-series locks, and reports the outcome.",
		RunE:  runConsumeBatch,
	}

	consumeBacktestCmd := &cobra.Command{
		Use:   "consume-backtest",
		Short: "Run the backtest orchestrator",
		Long:  "Consumes backtest requests and drives each job through data availability checks, indicator calculation round trips, and the trade simulation.",
		RunE:  runConsumeBacktest,
	}

	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the market data collector worker",
		Long:  "Consumes collection tasks and pages candles forward from the per-series checkpoint into the analytical store.",
		RunE:  runConsumeCollector,
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the collector scheduler",
		Long:  "Fans collection tasks out on the configured intervals. With --once, runs every enabled job a single time and exits; with --sync-state, only reconciles collection checkpoints and exits.",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().Bool("once", false, "Run every enabled job once and exit")
	scheduleCmd.Flags().Bool("sync-state", false, "Reconcile collector checkpoints against the analytical store and exit")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Run the live quote feed bridge",
		Long:  "Connects to the websocket quote feed and republishes closed candles onto the raw candles topic, reconnecting with backoff on connection loss.",
		RunE:  runStream,
	}

	rootCmd.AddCommand(consumeRTCmd)
	rootCmd.AddCommand(consumeBatchCmd)
	rootCmd.AddCommand(consumeBacktestCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(streamCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
