package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/invisithreat/invisithreat/internal/config"
	"github.com/invisithreat/invisithreat/internal/logging"
	"github.com/invisithreat/invisithreat/internal/recommend"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const sampleSnippet = "def foo(x):\n    return x\n"

func newCheckAICmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check-ai",
		Short: "Verify the configured recommendation provider",
		Long: `Report which recommendation provider the environment selects,
whether AI is available, and the result of one recommendation for a
harmless snippet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
				logger.Debug("loaded .env file", zap.String("path", cfg.EnvFile))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			provider, err := recommend.NewProvider(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialise provider: %w", err)
			}
			svc := recommend.NewService(cfg, provider, logger)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "OPENROUTER_API_KEY present:", cfg.OpenRouterAPIKey != "")
			fmt.Fprintln(out, "GEMINI_API_KEY present:", cfg.GeminiAPIKey != "")
			fmt.Fprintln(out, "Provider:", svc.Name())
			if cfg.ProviderName() == "openrouter" {
				fmt.Fprintln(out, "Model:", cfg.OpenRouterModel)
				fmt.Fprintln(out, "Fallback models:", strings.Join(cfg.OpenRouterFallbackModels, ", "))
			}
			fmt.Fprintln(out, "AI available:", svc.Available())

			text, err := svc.Recommend(ctx, sampleSnippet)
			if err != nil {
				return fmt.Errorf("recommendation failed: %w", err)
			}

			fmt.Fprintln(out, "\n--- RESULT ---")
			fmt.Fprintln(out, text)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout for the check")

	return cmd
}
