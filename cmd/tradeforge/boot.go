package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeforge/core/internal/app"
	"github.com/tradeforge/core/internal/config"
)

// bootstrap loads configuration, applies the global log level, and dials
// every shared resource. The returned context ends on SIGINT or SIGTERM;
// callers own both the cancel and the app teardown.
func bootstrap(cmd *cobra.Command) (context.Context, context.CancelFunc, *app.App, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	zerolog.SetGlobalLevel(cfg.Log.ZerologLevel())
	logger := log.With().Str("command", cmd.Name()).Logger()
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, a, nil
}

// serveOps starts the health and metrics server next to the worker loop. A
// listener failure takes the worker down instead of leaving it unprobeable.
func serveOps(a *app.App, stop context.CancelFunc) {
	go func() {
		if err := a.Server.Start(); err != nil {
			a.Log.Error().Err(err).Msg("operational server failed")
			stop()
		}
	}()
	a.Log.Info().Str("addr", a.Server.Address()).Msg("operational endpoints up")
}
