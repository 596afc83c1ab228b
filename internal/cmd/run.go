package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fundingbot/internal/api"
	"fundingbot/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling exchanges and serve the dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging, os.Stdout)

		eng, err := engine.New(*cfg, logger)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Start dashboard API server if enabled
		var apiServer *api.Server
		if cfg.Dashboard.Enabled {
			apiServer = api.NewServer(cfg.Dashboard, eng, eng.Collector().Handler(), logger)
			go func() {
				if err := apiServer.Start(ctx); err != nil {
					logger.Error("dashboard server failed", "error", err)
				}
			}()
			logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
		}

		if err := eng.Start(); err != nil {
			eng.Stop()
			return fmt.Errorf("start engine: %w", err)
		}

		if cfg.DryRun {
			logger.Warn("DRY-RUN MODE: no real orders will be placed")
		}
		logger.Info("fundingbot started",
			"exchanges", cfg.ExchangeNames(),
			"chain", cfg.Chain.Enabled,
			"poll_interval", cfg.Scheduler.PollInterval,
			"dry_run", cfg.DryRun,
		)

		<-ctx.Done()
		logger.Info("received shutdown signal")

		// Stop dashboard first
		if apiServer != nil {
			if err := apiServer.Stop(); err != nil {
				logger.Error("failed to stop dashboard", "error", err)
			}
		}
		eng.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
