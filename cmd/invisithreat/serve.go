package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/invisithreat/invisithreat/internal/config"
	"github.com/invisithreat/invisithreat/internal/logging"
	"github.com/invisithreat/invisithreat/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Start the InvisiThreat service.

Serves POST /scan-file, POST /scan-project, GET /vulnerabilities and
GET /health on HTTP_PORT, and grpc.health.v1 on GRPC_PORT.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration from environment variables and .env file
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.EnvFile != "" {
		logger.Info("loaded .env file", zap.String("path", cfg.EnvFile))
	} else {
		logger.Info("no .env file found, using environment variables")
	}

	logger.Info("configuration loaded",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("provider", cfg.ProviderName()),
		zap.Bool("use_ai", cfg.UseAI),
		zap.Int("sync_workers", cfg.SyncWorkers),
		zap.Duration("sync_timeout", cfg.SyncItemTimeout),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NatsURL != ""))

	orch := orchestrator.NewOrchestrator(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	runErr := orch.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.Info("initiating graceful shutdown")
	if err := orch.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	return runErr
}
