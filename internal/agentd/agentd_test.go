package agentd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultConfigMatchesDocumentedValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ControllerURL != "ws://localhost:8080/ws/agent" {
		t.Errorf("unexpected default ControllerURL %q", cfg.ControllerURL)
	}
	if cfg.SocketPath != "/var/run/e2epool-agent.sock" {
		t.Errorf("unexpected default SocketPath %q", cfg.SocketPath)
	}
	if cfg.ExecMaxOutput != 65536 {
		t.Errorf("unexpected default ExecMaxOutput %d", cfg.ExecMaxOutput)
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")
	contents := `
controller_url: ws://controller.example.com/ws/agent
runner_id: runner-7
token: tok-7
socket_path: /tmp/agent.sock
reconnect_max_delay: 45
heartbeat_interval: 15
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RunnerID != "runner-7" || cfg.Token != "tok-7" {
		t.Fatalf("unexpected runner_id/token: %+v", cfg)
	}
	if cfg.ReconnectMaxDelay != 45*time.Second {
		t.Fatalf("expected reconnect_max_delay 45s, got %s", cfg.ReconnectMaxDelay)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected heartbeat_interval 15s, got %s", cfg.HeartbeatInterval)
	}
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("expected a missing config file to not be an error, got %v", err)
	}
	if cfg.SocketPath != DefaultConfig().SocketPath {
		t.Fatalf("expected defaults to apply when no file exists, got %+v", cfg)
	}
}

func TestLoadConfigEnvOverridesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")
	os.WriteFile(path, []byte("runner_id: from-file\n"), 0o644)

	t.Setenv("E2EPOOL_RUNNER_ID", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RunnerID != "from-env" {
		t.Fatalf("expected env var to override the file value, got %q", cfg.RunnerID)
	}
}

func TestBuildURLAppendsQueryParams(t *testing.T) {
	a := New(Config{ControllerURL: "ws://localhost:8080/ws/agent", RunnerID: "runner-1", Token: "tok-1"}, zap.NewNop())
	got := a.buildURL()
	want := "ws://localhost:8080/ws/agent?runner_id=runner-1&token=tok-1"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildURLAppendsWithAmpersandWhenBaseHasQuery(t *testing.T) {
	a := New(Config{ControllerURL: "ws://localhost:8080/ws/agent?foo=bar", RunnerID: "runner-1", Token: "tok-1"}, zap.NewNop())
	got := a.buildURL()
	if got[:len("ws://localhost:8080/ws/agent?foo=bar&")] != "ws://localhost:8080/ws/agent?foo=bar&" {
		t.Fatalf("expected query params to be appended with &, got %q", got)
	}
}

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	a := New(Config{ReconnectMaxDelay: 10 * time.Second}, zap.NewNop())

	got := a.nextBackoff(1 * time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected backoff to double to 2s, got %s", got)
	}

	got = a.nextBackoff(8 * time.Second)
	if got != 10*time.Second {
		t.Fatalf("expected backoff to clamp at the configured max, got %s", got)
	}
}

func TestNextBackoffDefaultsMaxWhenUnconfigured(t *testing.T) {
	a := New(Config{}, zap.NewNop())
	got := a.nextBackoff(50 * time.Second)
	if got != 60*time.Second {
		t.Fatalf("expected the default max of 60s, got %s", got)
	}
}

func TestSendAndWaitFailsWithoutAnActiveConnection(t *testing.T) {
	a := New(Config{}, zap.NewNop())
	_, err := a.sendAndWait(context.Background(), requestOf("", "ping", nil), time.Second)
	if err == nil {
		t.Fatal("expected an error when there is no active connection")
	}
}

func TestHandleIPCReturnsErrorEnvelopeWhenNotConnected(t *testing.T) {
	a := New(Config{}, zap.NewNop())
	out := a.handleIPC(context.Background(), map[string]interface{}{"id": "abc", "type": "create", "payload": map[string]interface{}{}})

	if out["status"] != "error" {
		t.Fatalf("expected status error, got %+v", out)
	}
	errBody, ok := out["error"].(map[string]interface{})
	if !ok || errBody["code"] != 503 {
		t.Fatalf("expected a 503 error body, got %+v", out)
	}
}

func TestRequestOfGeneratesIDWhenEmpty(t *testing.T) {
	req := requestOf("", "ping", nil)
	if req.ID == "" {
		t.Fatal("expected a generated ID when none is supplied")
	}
	if req.Type != "ping" {
		t.Fatalf("expected type ping, got %q", req.Type)
	}
}

func TestRequestOfPreservesSuppliedID(t *testing.T) {
	req := requestOf("explicit-id", "ping", nil)
	if req.ID != "explicit-id" {
		t.Fatalf("expected the supplied ID to be preserved, got %q", req.ID)
	}
}

func TestTruncateLeavesShortStringsUnchanged(t *testing.T) {
	if got := truncate("hello", 100); got != "hello" {
		t.Fatalf("expected short strings to pass through unchanged, got %q", got)
	}
}

func TestTruncateCutsLongStrings(t *testing.T) {
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("expected truncation to 5 bytes, got %q", got)
	}
}
