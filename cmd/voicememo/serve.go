package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicememo/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder daemon with its HTTP API",
	Long: `Run the recorder daemon. Recordings are controlled over HTTP under /v1,
state and level changes stream on the /v1/events websocket, and /healthz,
/readyz and /metrics serve probes and Prometheus metrics.

Changes to the processing and log level settings in the config file are
applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		platform, closePlatform, err := openPlatform()
		if err != nil {
			return err
		}
		defer closePlatform()

		slog.Info("voicememo starting",
			"config", cfgFile,
			"listen_addr", cfg.Server.ListenAddr,
			"backend", cfg.Audio.Backend,
			"directory", cfg.Recording.Directory,
		)

		opts := []app.Option{app.WithLogLevel(logLevel)}
		if cfgFromFile {
			opts = append(opts, app.WithConfigFile(cfgFile))
		}
		a, err := app.New(ctx, cfg, platform, opts...)
		if err != nil {
			return fmt.Errorf("failed to initialise application: %w", err)
		}

		slog.Info("server ready, press Ctrl+C to shut down")
		runErr := a.Run(ctx)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			slog.Error("run error", "err", runErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		slog.Info("goodbye")
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}
