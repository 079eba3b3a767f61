package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/db"
)

// ProxmoxBackend snapshots, rolls back, and restarts a Proxmox VE QEMU VM,
// then hands off to the agent channel for anything that happens inside the
// guest OS. It speaks the PVE REST API directly over net/http using an API
// token — there is no mature, actively maintained Proxmox client library to
// wire in here (see DESIGN.md), so this stays a small purpose-built client
// rather than a general SDK.
type ProxmoxBackend struct {
	agents agentchannel.Client
	cfg    Config
	http   *http.Client
}

// NewProxmoxBackend constructs a ProxmoxBackend.
func NewProxmoxBackend(agents agentchannel.Client, cfg Config) *ProxmoxBackend {
	return &ProxmoxBackend{
		agents: agents,
		cfg:    cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// PVE clusters commonly run on a self-signed certificate;
				// the reference client disabled verification too
				// (verify_ssl=False), relying on network-level trust.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (b *ProxmoxBackend) authHeader(runner *db.Runner) string {
	tokenValue := ""
	if runner.ProxmoxTokenValue != nil {
		tokenValue = string(*runner.ProxmoxTokenValue)
	}
	return fmt.Sprintf("PVEAPIToken=%s!%s=%s", deref(runner.ProxmoxUser), deref(runner.ProxmoxTokenName), tokenValue)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (b *ProxmoxBackend) do(ctx context.Context, runner *db.Runner, method, path string, form url.Values) (map[string]interface{}, error) {
	base := fmt.Sprintf("https://%s:8006/api2/json%s", deref(runner.ProxmoxHost), path)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, base, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", b.authHeader(runner))

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: proxmox request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend: proxmox request %s %s failed with status %d", method, path, resp.StatusCode)
	}

	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decode proxmox response: %w", err)
	}

	var data map[string]interface{}
	_ = json.Unmarshal(out.Data, &data)
	return data, nil
}

func (b *ProxmoxBackend) qemuPath(runner *db.Runner, suffix string) string {
	vmid := 0
	if runner.ProxmoxVMID != nil {
		vmid = *runner.ProxmoxVMID
	}
	return fmt.Sprintf("/nodes/%s/qemu/%d%s", deref(runner.ProxmoxNode), vmid, suffix)
}

// CreateCheckpoint takes a live snapshot of the VM's current disk state.
func (b *ProxmoxBackend) CreateCheckpoint(ctx context.Context, runner *db.Runner, name string) error {
	form := url.Values{
		"snapname":    {name},
		"description": {fmt.Sprintf("e2epool checkpoint %s", name)},
	}
	_, err := b.do(ctx, runner, http.MethodPost, b.qemuPath(runner, "/snapshot"), form)
	return err
}

// Reset stops the VM, rolls it back to the named snapshot, starts it,
// waits for the agent to reconnect, and runs the runner's cleanup command
// (if any) before returning.
func (b *ProxmoxBackend) Reset(ctx context.Context, runner *db.Runner, name string) error {
	if _, err := b.do(ctx, runner, http.MethodPost, b.qemuPath(runner, "/status/stop"), url.Values{}); err != nil {
		return fmt.Errorf("backend: proxmox stop: %w", err)
	}
	if err := b.waitForStatus(ctx, runner, "stopped", 60*time.Second); err != nil {
		return fmt.Errorf("backend: proxmox wait stopped: %w", err)
	}

	data, err := b.do(ctx, runner, http.MethodPost, b.qemuPath(runner, fmt.Sprintf("/snapshot/%s/rollback", name)), url.Values{})
	if err != nil {
		return fmt.Errorf("backend: proxmox rollback: %w", err)
	}
	upid, _ := data["upid"].(string)
	if upid != "" {
		if err := b.waitForTask(ctx, runner, upid, 120*time.Second); err != nil {
			return fmt.Errorf("backend: proxmox rollback task: %w", err)
		}
	}

	if _, err := b.do(ctx, runner, http.MethodPost, b.qemuPath(runner, "/status/start"), url.Values{}); err != nil {
		return fmt.Errorf("backend: proxmox start: %w", err)
	}
	if err := b.waitForStatus(ctx, runner, "running", 180*time.Second); err != nil {
		return fmt.Errorf("backend: proxmox wait running: %w", err)
	}

	if err := agentchannel.WaitReady(ctx, b.agents, runner.RunnerID, b.cfg.ReadinessTimeout, b.cfg.ReadinessPollInterval); err != nil {
		return fmt.Errorf("backend: proxmox wait for agent: %w", err)
	}

	if runner.CleanupCmd != nil && *runner.CleanupCmd != "" {
		if _, err := b.agents.Exec(ctx, runner.RunnerID, *runner.CleanupCmd, b.cfg.AgentExecTimeout.Seconds()); err != nil {
			return fmt.Errorf("backend: proxmox cleanup command: %w", err)
		}
	}

	_, _ = b.do(ctx, runner, http.MethodDelete, b.qemuPath(runner, fmt.Sprintf("/snapshot/%s", name)), nil)
	return nil
}

// Cleanup runs the success path: cleanup command, then delete the snapshot.
// Not invoked by this implementation (see SPEC_FULL.md), kept for a future
// success-fast-path.
func (b *ProxmoxBackend) Cleanup(ctx context.Context, runner *db.Runner, name string) error {
	if runner.CleanupCmd != nil && *runner.CleanupCmd != "" {
		if _, err := b.agents.Exec(ctx, runner.RunnerID, *runner.CleanupCmd, b.cfg.AgentExecTimeout.Seconds()); err != nil {
			return err
		}
	}
	_, err := b.do(ctx, runner, http.MethodDelete, b.qemuPath(runner, fmt.Sprintf("/snapshot/%s", name)), nil)
	return err
}

func (b *ProxmoxBackend) CheckReady(ctx context.Context, runner *db.Runner) (bool, error) {
	err := agentchannel.WaitReady(ctx, b.agents, runner.RunnerID, b.cfg.ReadinessTimeout, b.cfg.ReadinessPollInterval)
	return err == nil, err
}

func (b *ProxmoxBackend) waitForStatus(ctx context.Context, runner *db.Runner, target string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		data, err := b.do(ctx, runner, http.MethodGet, b.qemuPath(runner, "/status/current"), nil)
		if err == nil {
			if status, _ := data["status"].(string); status == target {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for status %q", target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *ProxmoxBackend) waitForTask(ctx context.Context, runner *db.Runner, upid string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", deref(runner.ProxmoxNode), url.PathEscape(upid))
	for {
		data, err := b.do(ctx, runner, http.MethodGet, path, nil)
		if err == nil {
			if status, _ := data["status"].(string); status == "stopped" {
				if exitStatus, _ := data["exitstatus"].(string); exitStatus != "OK" {
					return fmt.Errorf("task %s failed: %s", upid, exitStatus)
				}
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for task %s", upid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
