package db

import "time"

// Checkpoint states. created and finalize_queued are active — at most one
// per runner_id may exist in either at any instant, enforced by a partial
// unique index (see migrations). reset, deleted, and gc_reset are terminal
// and immutable. deleted is reserved for a future success-fast-path and is
// never written by this implementation (see DESIGN.md Open Questions).
const (
	StateCreated        = "created"
	StateFinalizeQueued = "finalize_queued"
	StateReset          = "reset"
	StateDeleted        = "deleted"
	StateGCReset        = "gc_reset"
)

// ActiveStates are the states counted by the at-most-one-active-per-runner
// invariant (I1 in spec.md §8).
var ActiveStates = []string{StateCreated, StateFinalizeQueued}

// TerminalStates never transition further once reached (I3).
var TerminalStates = []string{StateReset, StateDeleted, StateGCReset}

// Finalize outcomes recorded on a Checkpoint once QueueFinalize runs.
const (
	FinalizeSuccess  = "success"
	FinalizeFailure  = "failure"
	FinalizeCanceled = "canceled"
)

// Checkpoint is one job's runner-state lifecycle record (spec.md §3).
type Checkpoint struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	Name           string  `gorm:"size:255;uniqueIndex;not null"`
	RunnerID       string  `gorm:"column:runner_id;size:255;not null;index"`
	JobID          string  `gorm:"column:job_id;size:255;not null"`
	State          string  `gorm:"size:50;not null;default:created"`
	FinalizeStatus *string `gorm:"column:finalize_status;size:50"`
	FinalizeSource *string `gorm:"column:finalize_source;size:50"`
	CreatedAt      time.Time
	FinalizedAt    *time.Time
}

func (Checkpoint) TableName() string { return "checkpoints" }

// OperationLog is an append-only audit record for one Checkpoint operation.
type OperationLog struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	CheckpointID uint    `gorm:"column:checkpoint_id;not null;index"`
	RunnerID     string  `gorm:"column:runner_id;size:255;not null"`
	Operation    string  `gorm:"size:100;not null"` // create | queue_finalize | finalize | gc
	Backend      *string `gorm:"size:50"`
	Detail       *string `gorm:"type:text"`
	Result       *string `gorm:"size:50"` // ok | error
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMS   *int `gorm:"column:duration_ms"`
}

func (OperationLog) TableName() string { return "operation_logs" }

// Runner backends supported by the engine.
const (
	BackendProxmox   = "proxmox"
	BackendBareMetal = "bare_metal"
)

// Runner is the provisioning record the engine consumes read-only; it is
// written by the (out-of-scope) admin CRUD surface or the inventory
// importer, never by the Checkpoint Lifecycle Engine itself.
type Runner struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RunnerID string `gorm:"column:runner_id;size:255;uniqueIndex;not null"`
	Backend  string `gorm:"size:50;not null"`
	Token    string `gorm:"size:255;uniqueIndex;not null"`

	ProxmoxHost       *string          `gorm:"column:proxmox_host;size:255"`
	ProxmoxUser       *string          `gorm:"column:proxmox_user;size:255"`
	ProxmoxTokenName  *string          `gorm:"column:proxmox_token_name;size:255"`
	ProxmoxTokenValue *EncryptedString `gorm:"column:proxmox_token_value;size:512"`
	ProxmoxNode       *string          `gorm:"column:proxmox_node;size:255"`
	ProxmoxVMID       *int             `gorm:"column:proxmox_vmid"`

	ResetCmd     *string `gorm:"column:reset_cmd;type:text"`
	CleanupCmd   *string `gorm:"column:cleanup_cmd;type:text"`
	ReadinessCmd *string `gorm:"column:readiness_cmd;type:text"`

	CIRunnerID *int `gorm:"column:ci_runner_id"`

	Tags *string `gorm:"type:text"` // JSON-encoded list

	IsActive  bool `gorm:"column:is_active;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Runner) TableName() string { return "runners" }
