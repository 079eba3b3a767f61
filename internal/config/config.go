// Package config holds the runtime settings for the controller, worker, and
// scheduler roles. Field names mirror the original Settings object field for
// field so operators migrating an existing install recognize every knob.
package config

import (
	"os"
	"strconv"
)

// Config is the full set of tunables for a controller/worker process.
// Every field has a production-sane default and can be overridden by an
// E2EPOOL_-prefixed environment variable, bound by FromEnv via EnvOrDefault.
type Config struct {
	HTTPAddr string
	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	InventoryPath string

	// GC
	CheckpointTTLSeconds int
	GCIntervalSeconds    int

	// Poller
	PollerEnabled           bool
	PollerIntervalSeconds   int
	PollerMinAgeSeconds     int

	// Reconciler
	ReconcileIntervalSeconds int

	// Finalize
	FinalizeCooldownSeconds int

	// Readiness
	ReadinessTimeoutSeconds     int
	ReadinessPollIntervalSeconds int

	// Task timeouts (seconds)
	TaskSoftTimeLimit   int
	TaskHardTimeLimit   int
	PollerSoftTimeLimit int
	PollerHardTimeLimit int

	// WebSocket
	WSHeartbeatIntervalSeconds int
	WSHeartbeatTimeoutSeconds  int

	// HTTP client timeout used by backend/CI adapters
	HTTPClientTimeoutSeconds int

	// Internal API base URL — used by worker-process backend adapters to
	// reach the agent channel over HTTP when running as a separate process
	// from the controller (see SPEC_FULL.md §9).
	APIBaseURL string

	// CI adapter (global GitLab instance used for pause/unpause + polling)
	GitLabURL   string
	GitLabToken string

	// Webhook secrets
	GitLabWebhookSecret string
	GitHubWebhookSecret string

	// Admin token: shared secret guarding the /internal/agent/* routes,
	// sent by worker/scheduler processes as X-Admin-Token
	AdminToken string

	// Batch size for paged scans (GC, poller, reconciler)
	QueryBatchSize int

	// Encryption key for Runner.ProxmoxTokenValue at rest, exactly 32 bytes.
	EncryptionKey string

	// Agent IPC socket path.
	IPCSocketPath string

	LogLevel string
}

// Default returns a Config populated with the documented defaults, matching
// the original Settings() field-for-field.
func Default() Config {
	return Config{
		HTTPAddr:                     ":8080",
		DBDriver:                     "sqlite",
		DBDSN:                        "e2epool.db",
		InventoryPath:                "inventory.yml",
		CheckpointTTLSeconds:         1800,
		GCIntervalSeconds:            60,
		PollerEnabled:                true,
		PollerIntervalSeconds:        20,
		PollerMinAgeSeconds:          120,
		ReconcileIntervalSeconds:     120,
		FinalizeCooldownSeconds:      5,
		ReadinessTimeoutSeconds:      120,
		ReadinessPollIntervalSeconds: 5,
		TaskSoftTimeLimit:            300,
		TaskHardTimeLimit:            330,
		PollerSoftTimeLimit:          120,
		PollerHardTimeLimit:          150,
		WSHeartbeatIntervalSeconds:   30,
		WSHeartbeatTimeoutSeconds:    90,
		HTTPClientTimeoutSeconds:     30,
		APIBaseURL:                   "http://127.0.0.1:8080",
		QueryBatchSize:               200,
		IPCSocketPath:                "/var/run/e2epool-agent.sock",
		LogLevel:                     "info",
	}
}

// EnvOrDefault reads an environment variable, falling back to def when unset.
// Mirrors the reference cmd/server/main.go helper of the same name.
func EnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// EnvOrDefaultInt is EnvOrDefault for integer-valued settings.
func EnvOrDefaultInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvOrDefaultBool is EnvOrDefault for boolean-valued settings.
func EnvOrDefaultBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// FromEnv builds a Config starting from Default and overriding every field
// that has a corresponding E2EPOOL_* environment variable set.
func FromEnv() Config {
	c := Default()
	c.HTTPAddr = EnvOrDefault("E2EPOOL_HTTP_ADDR", c.HTTPAddr)
	c.DBDriver = EnvOrDefault("E2EPOOL_DB_DRIVER", c.DBDriver)
	c.DBDSN = EnvOrDefault("E2EPOOL_DATABASE_URL", c.DBDSN)
	c.InventoryPath = EnvOrDefault("E2EPOOL_INVENTORY_PATH", c.InventoryPath)
	c.CheckpointTTLSeconds = EnvOrDefaultInt("E2EPOOL_CHECKPOINT_TTL_SECONDS", c.CheckpointTTLSeconds)
	c.GCIntervalSeconds = EnvOrDefaultInt("E2EPOOL_GC_INTERVAL_SECONDS", c.GCIntervalSeconds)
	c.PollerEnabled = EnvOrDefaultBool("E2EPOOL_POLLER_ENABLED", c.PollerEnabled)
	c.PollerIntervalSeconds = EnvOrDefaultInt("E2EPOOL_POLLER_INTERVAL_SECONDS", c.PollerIntervalSeconds)
	c.PollerMinAgeSeconds = EnvOrDefaultInt("E2EPOOL_POLLER_MIN_AGE_SECONDS", c.PollerMinAgeSeconds)
	c.ReconcileIntervalSeconds = EnvOrDefaultInt("E2EPOOL_RECONCILE_INTERVAL_SECONDS", c.ReconcileIntervalSeconds)
	c.FinalizeCooldownSeconds = EnvOrDefaultInt("E2EPOOL_FINALIZE_COOLDOWN_SECONDS", c.FinalizeCooldownSeconds)
	c.ReadinessTimeoutSeconds = EnvOrDefaultInt("E2EPOOL_READINESS_TIMEOUT_SECONDS", c.ReadinessTimeoutSeconds)
	c.ReadinessPollIntervalSeconds = EnvOrDefaultInt("E2EPOOL_READINESS_POLL_INTERVAL_SECONDS", c.ReadinessPollIntervalSeconds)
	c.TaskSoftTimeLimit = EnvOrDefaultInt("E2EPOOL_TASK_SOFT_TIME_LIMIT", c.TaskSoftTimeLimit)
	c.TaskHardTimeLimit = EnvOrDefaultInt("E2EPOOL_TASK_HARD_TIME_LIMIT", c.TaskHardTimeLimit)
	c.PollerSoftTimeLimit = EnvOrDefaultInt("E2EPOOL_POLLER_SOFT_TIME_LIMIT", c.PollerSoftTimeLimit)
	c.PollerHardTimeLimit = EnvOrDefaultInt("E2EPOOL_POLLER_HARD_TIME_LIMIT", c.PollerHardTimeLimit)
	c.WSHeartbeatIntervalSeconds = EnvOrDefaultInt("E2EPOOL_WS_HEARTBEAT_INTERVAL", c.WSHeartbeatIntervalSeconds)
	c.WSHeartbeatTimeoutSeconds = EnvOrDefaultInt("E2EPOOL_WS_HEARTBEAT_TIMEOUT", c.WSHeartbeatTimeoutSeconds)
	c.HTTPClientTimeoutSeconds = EnvOrDefaultInt("E2EPOOL_HTTPX_TIMEOUT", c.HTTPClientTimeoutSeconds)
	c.APIBaseURL = EnvOrDefault("E2EPOOL_API_BASE_URL", c.APIBaseURL)
	c.GitLabURL = EnvOrDefault("E2EPOOL_GITLAB_URL", c.GitLabURL)
	c.GitLabToken = EnvOrDefault("E2EPOOL_GITLAB_TOKEN", c.GitLabToken)
	c.GitLabWebhookSecret = EnvOrDefault("E2EPOOL_GITLAB_WEBHOOK_SECRET", c.GitLabWebhookSecret)
	c.GitHubWebhookSecret = EnvOrDefault("E2EPOOL_GITHUB_WEBHOOK_SECRET", c.GitHubWebhookSecret)
	c.AdminToken = EnvOrDefault("E2EPOOL_ADMIN_TOKEN", c.AdminToken)
	c.QueryBatchSize = EnvOrDefaultInt("E2EPOOL_QUERY_BATCH_SIZE", c.QueryBatchSize)
	c.EncryptionKey = EnvOrDefault("E2EPOOL_ENCRYPTION_KEY", c.EncryptionKey)
	c.IPCSocketPath = EnvOrDefault("E2EPOOL_SOCKET_PATH", c.IPCSocketPath)
	c.LogLevel = EnvOrDefault("E2EPOOL_LOG_LEVEL", c.LogLevel)
	return c
}
