// Command e2epoolctl is the operator- and CI-job-facing client: it talks to
// the local agentd over its Unix socket to create and finalize checkpoints,
// and talks directly to the controller's database to import a YAML runner
// inventory. Exit codes: 0 success, 1 operation error, 2 agent unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentd"
	"github.com/e2epool/e2epool/internal/config"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/inventory"
	"github.com/e2epool/e2epool/internal/ipc"
	"github.com/e2epool/e2epool/internal/repositories"
)

const (
	exitOK               = 0
	exitOperationError   = 1
	exitAgentUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var socketPath string
	var requestTimeout time.Duration

	root := &cobra.Command{
		Use:   "e2epoolctl",
		Short: "e2epoolctl — CLI for creating, finalizing, and inspecting checkpoints",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.Default().IPCSocketPath, "Path to the local agent daemon's Unix socket")
	root.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "Request timeout")

	exitCode := exitOK

	root.AddCommand(newAgentCmd())
	root.AddCommand(newCreateCmd(&socketPath, &requestTimeout, &exitCode))
	root.AddCommand(newFinalizeCmd(&socketPath, &requestTimeout, &exitCode))
	root.AddCommand(newStatusCmd(&socketPath, &requestTimeout, &exitCode))
	root.AddCommand(newImportInventoryCmd(&exitCode))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitOperationError
		}
	}
	return exitCode
}

func newAgentCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := agentd.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return agentd.New(cfg, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the agent's YAML config file")
	return cmd
}

// ipcRequest sends a request to the local agent and maps transport failures
// to exit code 2 (agent unreachable) versus a well-formed error response,
// which maps to exit code 1 (operation error).
func ipcRequest(socketPath string, timeout time.Duration, req map[string]interface{}, exitCode *int) (map[string]interface{}, error) {
	client := ipc.NewClient(socketPath, timeout)
	resp, err := client.Request(req)
	if err != nil {
		*exitCode = exitAgentUnreachable
		return nil, fmt.Errorf("agent unreachable at %s: %w", socketPath, err)
	}
	if status, _ := resp["status"].(string); status == "error" {
		*exitCode = exitOperationError
		detail := "unknown error"
		if errObj, ok := resp["error"].(map[string]interface{}); ok {
			if d, ok := errObj["detail"].(string); ok {
				detail = d
			}
		}
		return resp, fmt.Errorf("%s", detail)
	}
	return resp, nil
}

func newCreateCmd(socketPath *string, timeout *time.Duration, exitCode *int) *cobra.Command {
	var jobID, caller string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checkpoint for the current job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"type":    "create",
				"payload": map[string]interface{}{"job_id": jobID, "caller": caller},
			}
			resp, err := ipcRequest(*socketPath, *timeout, req, exitCode)
			if err != nil {
				return err
			}
			fmt.Println(prettyData(resp))
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "CI job id to associate with the checkpoint (required)")
	cmd.Flags().StringVar(&caller, "caller", "ci", "Identity recorded as the checkpoint's creator")
	cmd.MarkFlagRequired("job-id") //nolint:errcheck
	return cmd
}

func newFinalizeCmd(socketPath *string, timeout *time.Duration, exitCode *int) *cobra.Command {
	var checkpointName, status string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize a checkpoint with a terminal CI outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "success", "failure", "canceled":
			default:
				return fmt.Errorf("--status must be one of success, failure, canceled")
			}
			req := map[string]interface{}{
				"type": "finalize",
				"payload": map[string]interface{}{
					"checkpoint_name": checkpointName,
					"status":          status,
					"source":          "cli",
				},
			}
			resp, err := ipcRequest(*socketPath, *timeout, req, exitCode)
			if err != nil {
				return err
			}
			fmt.Println(prettyData(resp))
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointName, "checkpoint", "", "Checkpoint name to finalize (required)")
	cmd.Flags().StringVar(&status, "status", "", "Terminal status: success, failure, or canceled (required)")
	cmd.MarkFlagRequired("checkpoint") //nolint:errcheck
	cmd.MarkFlagRequired("status")     //nolint:errcheck
	return cmd
}

func newStatusCmd(socketPath *string, timeout *time.Duration, exitCode *int) *cobra.Command {
	var checkpointName string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a checkpoint's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"type":    "status",
				"payload": map[string]interface{}{"checkpoint_name": checkpointName},
			}
			resp, err := ipcRequest(*socketPath, *timeout, req, exitCode)
			if err != nil {
				return err
			}
			fmt.Println(prettyData(resp))
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointName, "checkpoint", "", "Checkpoint name to query (required)")
	cmd.MarkFlagRequired("checkpoint") //nolint:errcheck
	return cmd
}

func newImportInventoryCmd(exitCode *int) *cobra.Command {
	var path string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import-inventory",
		Short: "Sync a YAML runner fleet definition into the controller's database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cfg.EncryptionKey == "" {
				*exitCode = exitOperationError
				return fmt.Errorf("encryption key is required — set E2EPOOL_ENCRYPTION_KEY")
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			keyBytes := make([]byte, 32)
			copy(keyBytes, []byte(cfg.EncryptionKey))
			if err := db.InitEncryption(keyBytes); err != nil {
				*exitCode = exitOperationError
				return err
			}

			database, err := db.New(db.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN, Logger: logger})
			if err != nil {
				*exitCode = exitOperationError
				return err
			}

			runnerRepo := repositories.NewRunnerRepository(database.DB)
			importer := inventory.NewImporter(runnerRepo, logger)

			result, err := importer.Import(cmd.Context(), path, dryRun)
			if err != nil {
				*exitCode = exitOperationError
				return err
			}

			if dryRun {
				fmt.Printf("would import %d runner(s): %v\n", len(result.RunnerIDs), result.RunnerIDs)
			} else {
				fmt.Printf("imported %d runner(s): %v\n", len(result.RunnerIDs), result.RunnerIDs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to the inventory YAML file (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and report without writing to the database")
	cmd.MarkFlagRequired("path") //nolint:errcheck
	return cmd
}

func prettyData(resp map[string]interface{}) string {
	if data, ok := resp["data"]; ok {
		return fmt.Sprintf("%v", data)
	}
	return fmt.Sprintf("%v", resp)
}
