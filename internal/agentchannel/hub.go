package agentchannel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dispatcher handles an agent-initiated request (ping/create/finalize/status)
// and returns the response to write back on the same connection. Implemented
// by the API layer so it can reuse the same checkpoint-service calls the
// HTTP routes use.
type Dispatcher interface {
	Dispatch(runnerID string, req Request) Response
}

// Hub is the in-process registry of live agent sessions. It implements
// Client directly, so a --role=all or --role=controller process can hand
// itself to the backend registry with no adaptation.
type Hub struct {
	logger           *zap.Logger
	dispatcher       Dispatcher
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates an idle Hub. Wire a Dispatcher with SetDispatcher before
// accepting connections if agent-initiated requests need to be handled.
func NewHub(logger *zap.Logger, heartbeatTimeout time.Duration) *Hub {
	return &Hub{
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		sessions:         make(map[string]*session),
	}
}

// SetDispatcher wires the handler for agent-initiated requests.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// Accept upgrades r to a WebSocket connection for runnerID and blocks until
// it closes, running the session's read/write pumps. The caller has already
// authenticated the runner (verified token against its runner_id) before
// calling this.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, runnerID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("agentchannel: upgrade: %w", err)
	}
	s := newSession(h, runnerID, conn, h.logger)
	s.run()
	return nil
}

// RejectUnauthorized upgrades the connection just long enough to send a
// 4401 close frame, matching the close code spec.md mandates for bad
// /ws/agent credentials — the handshake must succeed before a WebSocket
// close code can be delivered to the client.
func (h *Hub) RejectUnauthorized(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("agentchannel: upgrade: %w", err)
	}
	defer conn.Close()
	msg := websocket.FormatCloseMessage(4401, "invalid credentials")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return nil
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	// A reconnecting agent replaces its own stale session; the old one's
	// readPump will fail its next write and unregister itself harmlessly.
	h.sessions[s.runnerID] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.runnerID] == s {
		delete(h.sessions, s.runnerID)
	}
	h.mu.Unlock()
	close(s.send)
	s.failAllPending(ErrNotConnected)
}

// Connected implements Client.
func (h *Hub) Connected(runnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[runnerID]
	return ok
}

// Exec implements Client.
func (h *Hub) Exec(ctx context.Context, runnerID, cmd string, timeout float64) (ExecResult, error) {
	h.mu.RLock()
	s, ok := h.sessions[runnerID]
	h.mu.RUnlock()
	if !ok {
		return ExecResult{}, ErrNotConnected
	}

	id := uuid.NewString()
	done := make(chan struct{})
	var (
		result ExecResult
		err    error
	)
	go func() {
		result, err = s.exec(id, ExecPayload{Cmd: cmd, Timeout: timeout}, time.Duration(timeout)*time.Second)
		close(done)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}
