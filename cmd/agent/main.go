package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentd"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "e2epool-agent",
		Short: "e2epool agent — runs on each CI runner, bridging it to the controller",
		Long: `e2epool-agent maintains a persistent connection to the e2epool
controller's agent channel, executes controller-initiated shell commands,
and serves a local Unix socket so e2epoolctl can create and finalize
checkpoints without holding controller credentials itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := agentd.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load agent config: %w", err)
			}
			if cfg.RunnerID == "" {
				return fmt.Errorf("runner id is required — set runner_id in the config file or E2EPOOL_RUNNER_ID")
			}
			if cfg.Token == "" {
				return fmt.Errorf("token is required — set token in the config file or E2EPOOL_TOKEN")
			}

			logger.Info("starting e2epool-agent",
				zap.String("version", version),
				zap.String("runner_id", cfg.RunnerID),
				zap.String("controller_url", cfg.ControllerURL),
				zap.String("socket_path", cfg.SocketPath),
			)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a := agentd.New(cfg, logger)
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent stopped with error: %w", err)
			}
			logger.Info("e2epool-agent stopped")
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the agent's YAML config file (default /etc/e2epool/agent.yml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("e2epool-agent %s (commit: %s)\n", version, commit)
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
