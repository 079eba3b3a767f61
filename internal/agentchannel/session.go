package agentchannel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	// maxMessageSize bounds an inbound frame. Exec replies carry at most
	// two 64KB-truncated output streams plus framing overhead.
	maxMessageSize = 1 << 20

	sendBufferSize = 32
)

// upgrader performs the HTTP -> WebSocket upgrade for agent connections.
// CheckOrigin always returns true — the agent is not a browser and origin
// checks have no bearing on it; network-level access control is the
// operator's responsibility.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type pendingExec struct {
	resultCh chan execOutcome
}

type execOutcome struct {
	resp Response
	err  error
}

// session is one runner's live agent connection. It multiplexes
// controller-initiated exec requests against agent-initiated requests on a
// single connection, exactly like the reference agent's own _pending map
// does in the other direction.
type session struct {
	runnerID string
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	hub *Hub

	mu      sync.Mutex
	pending map[string]*pendingExec
}

func newSession(hub *Hub, runnerID string, conn *websocket.Conn, logger *zap.Logger) *session {
	return &session{
		runnerID: runnerID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		logger:   logger.With(zap.String("runner_id", runnerID)),
		hub:      hub,
		pending:  make(map[string]*pendingExec),
	}
}

// run registers the session with the hub and pumps reads/writes until the
// connection closes, then unregisters. Blocks the calling goroutine (the
// HTTP handler for /ws/agent).
func (s *session) run() {
	s.hub.register(s)
	defer s.hub.unregister(s)

	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	heartbeatTimeout := s.hub.heartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("agentchannel: unexpected close", zap.Error(err))
			}
			s.failAllPending(ErrNotConnected)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		s.handleFrame(raw)
	}
}

func (s *session) writePump() {
	defer s.conn.Close()

	for raw := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.logger.Warn("agentchannel: write error", zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// handleFrame tells apart a response to one of our exec requests from an
// agent-initiated request by probing for the "status" key, matching the
// original implementation's dispatch rule exactly.
func (s *session) handleFrame(raw []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.logger.Warn("agentchannel: malformed frame", zap.Error(err))
		return
	}

	if _, isResponse := probe["status"]; isResponse {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.logger.Warn("agentchannel: malformed response frame", zap.Error(err))
			return
		}
		s.resolvePending(resp)
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Warn("agentchannel: malformed request frame", zap.Error(err))
		return
	}
	if req.Type == TypePing {
		return
	}
	if s.hub.dispatcher == nil {
		return
	}
	resp := s.hub.dispatcher.Dispatch(s.runnerID, req)
	s.writeJSON(resp)
}

func (s *session) writeJSON(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("agentchannel: failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case s.send <- raw:
	default:
		s.logger.Warn("agentchannel: send buffer full, dropping frame")
	}
}

func (s *session) resolvePending(resp Response) {
	s.mu.Lock()
	p, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if ok {
		p.resultCh <- execOutcome{resp: resp}
	}
}

func (s *session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingExec)
	s.mu.Unlock()
	for _, p := range pending {
		p.resultCh <- execOutcome{err: err}
	}
}

// exec sends a controller-initiated exec request and blocks for the
// agent's reply, the timeout, or connection loss, whichever comes first.
func (s *session) exec(id string, payload ExecPayload, timeout time.Duration) (ExecResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ExecResult{}, err
	}

	p := &pendingExec{resultCh: make(chan execOutcome, 1)}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	s.writeJSON(Request{ID: id, Type: TypeExec, Payload: raw})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-p.resultCh:
		if outcome.err != nil {
			return ExecResult{}, outcome.err
		}
		var result ExecResult
		if err := json.Unmarshal(outcome.resp.Data, &result); err != nil {
			return ExecResult{}, err
		}
		return result, nil

	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ExecResult{}, ErrExecTimeout
	}
}
