package ipc

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := map[string]interface{}{"type": "status", "payload": map[string]interface{}{"checkpoint_name": "job-a-1-deadbeef"}}

	if err := Send(&buf, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got map[string]interface{}
	if err := Recv(&buf, &got); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got["type"] != "status" {
		t.Fatalf("expected type status, got %v", got["type"])
	}
}

func TestRecvRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	var got map[string]interface{}
	err := Recv(&buf, &got)
	if err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestServerClientRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")

	srv := NewServer(socketPath, func(ctx context.Context, req map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"status": "ok", "data": map[string]interface{}{"echo": req["type"]}}
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	client := NewClient(socketPath, 2*time.Second)
	resp, err := client.Request(map[string]interface{}{"type": "create"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
	data, ok := resp["data"].(map[string]interface{})
	if !ok || data["echo"] != "create" {
		t.Fatalf("unexpected response data: %v", resp["data"])
	}
}

func TestClientRequestFailsWhenNoServerListening(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")
	client := NewClient(socketPath, 100*time.Millisecond)

	_, err := client.Request(map[string]interface{}{"type": "status"})
	if err == nil {
		t.Fatal("expected an error when no agent is listening on the socket")
	}
}
