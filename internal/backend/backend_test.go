package backend

import (
	"context"
	"testing"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/db"
)

type fakeAgentClient struct {
	execCmds []string
	execErr  error
	ready    bool
}

func (f *fakeAgentClient) Exec(ctx context.Context, runnerID, cmd string, timeout float64) (agentchannel.ExecResult, error) {
	f.execCmds = append(f.execCmds, cmd)
	if f.execErr != nil {
		return agentchannel.ExecResult{}, f.execErr
	}
	return agentchannel.ExecResult{ExitCode: 0}, nil
}

func (f *fakeAgentClient) Connected(runnerID string) bool { return f.ready }

func TestRegistryGetResolvesByBackendName(t *testing.T) {
	reg := NewRegistry(&fakeAgentClient{}, Config{})

	proxmox, ok := reg.Get(&db.Runner{Backend: db.BackendProxmox})
	if !ok {
		t.Fatal("expected a proxmox backend to be registered")
	}
	if _, ok := proxmox.(*ProxmoxBackend); !ok {
		t.Fatalf("expected *ProxmoxBackend, got %T", proxmox)
	}

	bareMetal, ok := reg.Get(&db.Runner{Backend: db.BackendBareMetal})
	if !ok {
		t.Fatal("expected a bare_metal backend to be registered")
	}
	if _, ok := bareMetal.(*BareMetalBackend); !ok {
		t.Fatalf("expected *BareMetalBackend, got %T", bareMetal)
	}
}

func TestRegistryGetUnknownBackend(t *testing.T) {
	reg := NewRegistry(&fakeAgentClient{}, Config{})

	_, ok := reg.Get(&db.Runner{Backend: "unknown"})
	if ok {
		t.Fatal("expected no backend to be resolved for an unsupported backend name")
	}
}

func TestBareMetalCreateCheckpointIsNoop(t *testing.T) {
	agents := &fakeAgentClient{}
	b := NewBareMetalBackend(agents, Config{})

	if err := b.CreateCheckpoint(context.Background(), &db.Runner{RunnerID: "runner-1"}, "job-a-1-deadbeef"); err != nil {
		t.Fatalf("expected CreateCheckpoint to be a no-op, got %v", err)
	}
	if len(agents.execCmds) != 0 {
		t.Fatalf("expected no agent exec calls, got %v", agents.execCmds)
	}
}

func TestBareMetalResetRunsConfiguredCommand(t *testing.T) {
	agents := &fakeAgentClient{}
	resetCmd := "/bin/reset.sh"
	runner := &db.Runner{RunnerID: "runner-1", ResetCmd: &resetCmd}
	b := NewBareMetalBackend(agents, Config{})

	if err := b.Reset(context.Background(), runner, "job-a-1-deadbeef"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(agents.execCmds) != 1 || agents.execCmds[0] != resetCmd {
		t.Fatalf("expected reset_cmd to be executed, got %v", agents.execCmds)
	}
}

func TestBareMetalResetIsNoopWithoutConfiguredCommand(t *testing.T) {
	agents := &fakeAgentClient{}
	runner := &db.Runner{RunnerID: "runner-1"}
	b := NewBareMetalBackend(agents, Config{})

	if err := b.Reset(context.Background(), runner, "job-a-1-deadbeef"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(agents.execCmds) != 0 {
		t.Fatalf("expected no agent exec calls without a configured reset_cmd, got %v", agents.execCmds)
	}
}

func TestBareMetalCheckReadyUsesReadinessCommandWhenConfigured(t *testing.T) {
	agents := &fakeAgentClient{}
	readinessCmd := "/bin/ready.sh"
	runner := &db.Runner{RunnerID: "runner-1", ReadinessCmd: &readinessCmd}
	b := NewBareMetalBackend(agents, Config{})

	ready, err := b.CheckReady(context.Background(), runner)
	if err != nil {
		t.Fatalf("check ready: %v", err)
	}
	if !ready {
		t.Fatal("expected ready=true when the readiness command succeeds")
	}

	agents.execErr = context.DeadlineExceeded
	ready, err = b.CheckReady(context.Background(), runner)
	if err != nil {
		t.Fatalf("check ready with failing command: %v", err)
	}
	if ready {
		t.Fatal("expected ready=false when the readiness command fails")
	}
}

func TestAuthHeaderFormatsProxmoxAPIToken(t *testing.T) {
	b := NewProxmoxBackend(&fakeAgentClient{}, Config{})
	user, tokenName, tokenValue := "root@pam", "e2epool", db.EncryptedString("secret")
	runner := &db.Runner{ProxmoxUser: &user, ProxmoxTokenName: &tokenName, ProxmoxTokenValue: &tokenValue}

	got := b.authHeader(runner)
	want := "PVEAPIToken=root@pam!e2epool=secret"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestQemuPathBuildsNodeAndVMIDPath(t *testing.T) {
	b := NewProxmoxBackend(&fakeAgentClient{}, Config{})
	node := "pve1"
	vmid := 101
	runner := &db.Runner{ProxmoxNode: &node, ProxmoxVMID: &vmid}

	got := b.qemuPath(runner, "/snapshot")
	want := "/nodes/pve1/qemu/101/snapshot"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
