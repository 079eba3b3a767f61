package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/api"
	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/ciadapter"
	"github.com/e2epool/e2epool/internal/config"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/finalize"
	"github.com/e2epool/e2epool/internal/gcworker"
	"github.com/e2epool/e2epool/internal/poller"
	"github.com/e2epool/e2epool/internal/queue"
	"github.com/e2epool/e2epool/internal/reconciler"
	"github.com/e2epool/e2epool/internal/repositories"
	"github.com/e2epool/e2epool/internal/scheduler"
	"github.com/e2epool/e2epool/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// role selects which of the engine's processes this invocation plays.
// "all" runs every role in one process, the default for local development
// and small deployments; production deployments typically split controller,
// worker, and scheduler into separate processes sharing one database.
type role string

const (
	roleAll        role = "all"
	roleController role = "controller"
	roleWorker     role = "worker"
	roleScheduler  role = "scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()
	r := string(roleAll)

	root := &cobra.Command{
		Use:   "e2epoold",
		Short: "e2epool controller — checkpoint lifecycle engine for CI runner pools",
		Long: `e2epoold runs the e2epool checkpoint lifecycle engine: the HTTP API and
agent channel runners talk to, the durable finalize queue, and the
background GC/poller/reconciler passes, in any combination selected by
--role.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, role(r))
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.EncryptionKey, "encryption-key", cfg.EncryptionKey, "Master key for encrypting Proxmox tokens at rest (required)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Shared secret guarding the internal agent-exec routes (required across worker/controller)")
	root.PersistentFlags().StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "Controller base URL used by worker/scheduler roles to reach /internal/agent/*")
	root.PersistentFlags().StringVar(&cfg.GitLabURL, "gitlab-url", cfg.GitLabURL, "GitLab instance base URL used for pause/unpause and job polling")
	root.PersistentFlags().StringVar(&cfg.GitLabToken, "gitlab-token", cfg.GitLabToken, "GitLab API token")
	root.PersistentFlags().StringVar(&cfg.GitLabWebhookSecret, "gitlab-webhook-secret", cfg.GitLabWebhookSecret, "Shared secret verifying inbound GitLab webhooks")
	root.PersistentFlags().StringVar(&cfg.GitHubWebhookSecret, "github-webhook-secret", cfg.GitHubWebhookSecret, "Shared secret verifying inbound GitHub webhooks")
	root.PersistentFlags().StringVar(&r, "role", r, "Process role: all, controller, worker, or scheduler")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("e2epoold %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config, r role) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required — set --encryption-key or E2EPOOL_ENCRYPTION_KEY")
	}
	if cfg.AdminToken == "" {
		return fmt.Errorf("admin token is required — set --admin-token or E2EPOOL_ADMIN_TOKEN")
	}

	logger.Info("starting e2epool",
		zap.String("version", version),
		zap.String("role", string(r)),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.EncryptionKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := database.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	checkpointRepo := repositories.NewCheckpointRepository(database.DB)
	operationLogRepo := repositories.NewOperationLogRepository(database.DB)
	runnerRepo := repositories.NewRunnerRepository(database.DB)

	// --- 4. CI adapter + backend registry ---
	ciRegistry := ciadapter.NewRegistry(ciadapter.NewGitLabAdapter(
		cfg.GitLabURL, cfg.GitLabToken, "",
		time.Duration(cfg.HTTPClientTimeoutSeconds)*time.Second,
	))

	backendCfg := backend.Config{
		ProxmoxStatusPollInterval: 2 * time.Second,
		ProxmoxStatusTimeout:      2 * time.Minute,
		ProxmoxStartTimeout:       2 * time.Minute,
		ProxmoxTaskPollInterval:   2 * time.Second,
		ProxmoxTaskTimeout:        5 * time.Minute,
		ReadinessTimeout:          time.Duration(cfg.ReadinessTimeoutSeconds) * time.Second,
		ReadinessPollInterval:     time.Duration(cfg.ReadinessPollIntervalSeconds) * time.Second,
		AgentExecTimeout:          time.Duration(cfg.TaskHardTimeLimit) * time.Second,
	}

	// --- 5. Agent channel ---
	// A role that terminates agent WebSocket connections (all, controller)
	// holds the Hub directly and exercises backends in-process. A role that
	// doesn't (worker, scheduler) reaches the same exec/connected surface
	// over HTTP against whichever process does hold it.
	var agentClient agentchannel.Client
	var hub *agentchannel.Hub
	if r == roleAll || r == roleController {
		hub = agentchannel.NewHub(logger, time.Duration(cfg.WSHeartbeatTimeoutSeconds)*time.Second)
		agentClient = hub
	} else {
		agentClient = agentchannel.NewHTTPClient(cfg.APIBaseURL, cfg.AdminToken, time.Duration(cfg.HTTPClientTimeoutSeconds)*time.Second)
	}
	backendRegistry := backend.NewRegistry(agentClient, backendCfg)

	// --- 6. Checkpoint service ---
	svc := checkpoint.New(database.DB, checkpointRepo, operationLogRepo, backendRegistry, logger,
		time.Duration(cfg.FinalizeCooldownSeconds)*time.Second)

	// --- 7. Durable queue + finalize worker ---
	q := queue.New(database.DB, logger)
	finalizeWorker := finalize.New(database, checkpointRepo, operationLogRepo, runnerRepo, backendRegistry, ciRegistry, logger)
	q.Register("finalize", func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			CheckpointName string `json:"checkpoint_name"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("finalize task: decode payload: %w", err)
		}
		return finalizeWorker.Run(ctx, p.CheckpointName)
	})

	enqueueFinalize := func(ctx context.Context, checkpointName string) error {
		return q.Enqueue(ctx, "finalize", map[string]string{"checkpoint_name": checkpointName})
	}

	if hub != nil {
		hub.SetDispatcher(api.NewChannelDispatcher(svc, runnerRepo, logger, enqueueFinalize))
	}

	var shutdownFuncs []func()

	// --- 8. Queue worker (role: all, worker) ---
	if r == roleAll || r == roleWorker {
		worker := queue.NewWorker("e2epool-worker-1", q, logger, 2*time.Second)
		workerCtx, workerCancel := context.WithCancel(ctx)
		go worker.Run(workerCtx)
		shutdownFuncs = append(shutdownFuncs, workerCancel)
	}

	// --- 9. Background scheduler (role: all, scheduler) ---
	if r == roleAll || r == roleScheduler {
		gc := gcworker.New(database, checkpointRepo, operationLogRepo, runnerRepo, backendRegistry, ciRegistry, logger,
			time.Duration(cfg.CheckpointTTLSeconds)*time.Second, cfg.QueryBatchSize)
		ciPoller := poller.New(checkpointRepo, runnerRepo, svc, ciRegistry, logger,
			cfg.PollerEnabled, time.Duration(cfg.PollerMinAgeSeconds)*time.Second, cfg.QueryBatchSize)
		recon := reconciler.New(checkpointRepo, logger, cfg.QueryBatchSize)

		recon.ReconcileOnStartup(ctx)

		sched, err := scheduler.New(logger)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := sched.RegisterGC(gc, time.Duration(cfg.GCIntervalSeconds)*time.Second); err != nil {
			return err
		}
		if err := sched.RegisterPoller(ciPoller, time.Duration(cfg.PollerIntervalSeconds)*time.Second); err != nil {
			return err
		}
		if err := sched.RegisterReconciler(recon, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second); err != nil {
			return err
		}
		sched.Start()
		shutdownFuncs = append(shutdownFuncs, func() {
			if err := sched.Stop(); err != nil {
				logger.Warn("scheduler shutdown error", zap.Error(err))
			}
		})
	}

	// --- 10. HTTP server (role: all, controller) ---
	if r == roleAll || r == roleController {
		webhooks := webhook.New(svc, cfg.GitLabWebhookSecret, cfg.GitHubWebhookSecret, logger, enqueueFinalize)

		router := api.NewRouter(api.RouterConfig{
			DB:              database.DB,
			Runners:         runnerRepo,
			Service:         svc,
			Backends:        backendRegistry,
			Hub:             hub,
			Webhooks:        webhooks,
			Logger:          logger,
			AdminToken:      cfg.AdminToken,
			EnqueueFinalize: enqueueFinalize,
		})

		httpSrv := &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
				cancel()
			}
		}()

		shutdownFuncs = append(shutdownFuncs, func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server graceful shutdown error", zap.Error(err))
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down e2epool", zap.String("role", string(r)))

	for _, fn := range shutdownFuncs {
		fn()
	}

	logger.Info("e2epool stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
