package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/logging"
	"github.com/KevinKickass/OpenInstrumentCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the instrument service",
	Long: `Load the configured instruments, then serve the REST API, the live
websocket feed and the gRPC health service until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync()

		logger.Info("Config loaded successfully", zap.String("path", flagConfig))

		ctx := context.Background()
		lifecycle, err := system.NewLifecycleManager(ctx, cfg, logger)
		if err != nil {
			return err
		}

		if err := lifecycle.Start(ctx); err != nil {
			shutdown(lifecycle, cfg.Server.ShutdownTimeout, logger)
			return fmt.Errorf("failed to start system: %w", err)
		}

		logger.Info("OpenInstrumentCore started successfully")

		// Graceful shutdown on signal or on request through the API.
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigChan:
			logger.Info("Shutdown signal received")
			if err := shutdown(lifecycle, cfg.Server.ShutdownTimeout, logger); err != nil {
				return err
			}
		case <-lifecycle.Done():
		}

		logger.Info("OpenInstrumentCore stopped successfully")
		return nil
	},
}

func shutdown(lm *system.LifecycleManager, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := lm.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
