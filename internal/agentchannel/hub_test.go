package agentchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newTestHubServer(t *testing.T, hub *Hub, runnerID string) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Accept(w, r, runnerID); err != nil {
			t.Logf("hub accept: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	return srv, wsURL
}

func dialAgent(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubConnectedReflectsLiveSession(t *testing.T) {
	hub := NewHub(zap.NewNop(), time.Minute)
	_, wsURL := newTestHubServer(t, hub, "runner-1")

	if hub.Connected("runner-1") {
		t.Fatal("expected runner-1 to not be connected before dialing")
	}

	conn := dialAgent(t, wsURL)

	waitUntil(t, time.Second, func() bool { return hub.Connected("runner-1") })

	conn.Close()
	waitUntil(t, time.Second, func() bool { return !hub.Connected("runner-1") })
}

func TestHubExecRoundTrip(t *testing.T) {
	hub := NewHub(zap.NewNop(), time.Minute)
	_, wsURL := newTestHubServer(t, hub, "runner-1")
	conn := dialAgent(t, wsURL)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			if req.Type != TypeExec {
				continue
			}
			result, _ := json.Marshal(ExecResult{ExitCode: 0, Stdout: "hello"})
			resp, _ := json.Marshal(Response{ID: req.ID, Status: StatusOK, Data: result})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
		}
	}()

	waitUntil(t, time.Second, func() bool { return hub.Connected("runner-1") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := hub.Exec(ctx, "runner-1", "echo hello", 2)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.Stdout != "hello" {
		t.Fatalf("expected stdout %q, got %q", "hello", result.Stdout)
	}
}

func TestHubExecReturnsErrNotConnectedForUnknownRunner(t *testing.T) {
	hub := NewHub(zap.NewNop(), time.Minute)

	_, err := hub.Exec(context.Background(), "ghost-runner", "echo hi", 1)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type fakeDispatcher struct {
	calls []Request
}

func (f *fakeDispatcher) Dispatch(runnerID string, req Request) Response {
	f.calls = append(f.calls, req)
	data, _ := json.Marshal(map[string]string{"checkpoint_name": "job-a-1-deadbeef"})
	return Response{ID: req.ID, Status: StatusOK, Data: data}
}

func TestHubDispatchesAgentInitiatedRequest(t *testing.T) {
	hub := NewHub(zap.NewNop(), time.Minute)
	dispatcher := &fakeDispatcher{}
	hub.SetDispatcher(dispatcher)
	_, wsURL := newTestHubServer(t, hub, "runner-1")
	conn := dialAgent(t, wsURL)

	payload, _ := json.Marshal(map[string]string{"job_id": "42"})
	req, _ := json.Marshal(Request{ID: "abc", Type: TypeCreate, Payload: payload})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "abc" || resp.Status != StatusOK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].Type != TypeCreate {
		t.Fatalf("expected dispatcher to receive the create request, got %+v", dispatcher.calls)
	}
}

func TestHubRejectUnauthorizedClosesWithCode4401(t *testing.T) {
	hub := NewHub(zap.NewNop(), time.Minute)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		_ = hub.RejectUnauthorized(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket close error, got %v", err)
	}
	if closeErr.Code != 4401 {
		t.Fatalf("expected close code 4401, got %d", closeErr.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("timed out waiting for condition")
	}
}
