package backend

import (
	"context"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/db"
)

// BareMetalBackend drives a physical runner entirely through operator-
// supplied shell commands run over the agent channel. There is no
// snapshot/rollback primitive for bare metal — reset and cleanup are
// whatever the operator configured them to be (commonly a script that
// reimages or otherwise sanitizes the machine).
type BareMetalBackend struct {
	agents agentchannel.Client
	cfg    Config
}

// NewBareMetalBackend constructs a BareMetalBackend.
func NewBareMetalBackend(agents agentchannel.Client, cfg Config) *BareMetalBackend {
	return &BareMetalBackend{agents: agents, cfg: cfg}
}

// CreateCheckpoint is a no-op: bare metal has no point-in-time snapshot to
// take, the runner's entire disk state is what gets reset.
func (b *BareMetalBackend) CreateCheckpoint(ctx context.Context, runner *db.Runner, name string) error {
	return nil
}

func (b *BareMetalBackend) Reset(ctx context.Context, runner *db.Runner, name string) error {
	if runner.ResetCmd == nil || *runner.ResetCmd == "" {
		return nil
	}
	_, err := b.agents.Exec(ctx, runner.RunnerID, *runner.ResetCmd, b.cfg.AgentExecTimeout.Seconds())
	return err
}

func (b *BareMetalBackend) Cleanup(ctx context.Context, runner *db.Runner, name string) error {
	if runner.CleanupCmd == nil || *runner.CleanupCmd == "" {
		return nil
	}
	_, err := b.agents.Exec(ctx, runner.RunnerID, *runner.CleanupCmd, b.cfg.AgentExecTimeout.Seconds())
	return err
}

// CheckReady runs the runner's readiness command if configured, otherwise
// falls back to a short agent-connectivity probe.
func (b *BareMetalBackend) CheckReady(ctx context.Context, runner *db.Runner) (bool, error) {
	if runner.ReadinessCmd != nil && *runner.ReadinessCmd != "" {
		_, err := b.agents.Exec(ctx, runner.RunnerID, *runner.ReadinessCmd, b.cfg.AgentExecTimeout.Seconds())
		return err == nil, nil
	}

	err := agentchannel.WaitReady(ctx, b.agents, runner.RunnerID, b.cfg.ReadinessTimeout, b.cfg.ReadinessPollInterval)
	return err == nil, nil
}
