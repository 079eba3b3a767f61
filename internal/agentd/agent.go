package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/ipc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	backoffInitial = 1 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to +10% to each backoff interval, one-sided so
	// the agent never reconnects sooner than the nominal backoff — only
	// later, to spread out a thundering herd of agents reconnecting after a
	// controller restart.
	jitterFraction = 0.1

	writeWait = 10 * time.Second
)

// Agent is the runner-side daemon: one persistent WebSocket session to the
// controller's agent channel, and a local IPC server that lets e2epoolctl
// issue create/finalize/status requests through that session.
type Agent struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan agentchannel.Response

	ipcServer *ipc.Server
}

// New constructs an Agent from its configuration.
func New(cfg Config, logger *zap.Logger) *Agent {
	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan agentchannel.Response),
	}
	a.ipcServer = ipc.NewServer(cfg.SocketPath, a.handleIPC, logger)
	return a
}

// Run starts the IPC server and the WebSocket reconnect loop. It blocks
// until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ipcServer.Start(ctx); err != nil {
		return fmt.Errorf("agentd: start ipc server: %w", err)
	}
	a.logger.Info("ipc server started", zap.String("socket", a.cfg.SocketPath))

	defer func() {
		if err := a.ipcServer.Stop(); err != nil {
			a.logger.Warn("agentd: failed to stop ipc server", zap.Error(err))
		}
	}()

	a.wsLoop(ctx)
	a.logger.Info("agent stopped")
	return nil
}

// wsLoop holds the connection open, reconnecting with exponential backoff
// and jitter whenever the session ends for a reason other than ctx
// cancellation.
func (a *Agent) wsLoop(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		a.logger.Info("connecting to controller", zap.String("url", a.buildURL()))
		err := a.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("connection lost", zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = a.nextBackoff(backoff)
	}
}

func (a *Agent) buildURL() string {
	base := a.cfg.ControllerURL
	q := url.Values{}
	q.Set("runner_id", a.cfg.RunnerID)
	q.Set("token", a.cfg.Token)
	sep := "?"
	if idx := indexByte(base, '?'); idx >= 0 {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// connect dials one WebSocket session and runs it until it ends.
func (a *Agent) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.buildURL(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info("connected to controller")

	errCh := make(chan error, 2)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- a.heartbeatLoop(sessionCtx, conn) }()
	go func() { errCh <- a.readLoop(sessionCtx, conn) }()

	err = <-errCh
	cancel()

	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
	a.failAllPending(fmt.Errorf("connection lost"))
	conn.Close()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			req := agentchannel.Request{ID: randomID(), Type: agentchannel.TypePing, Payload: json.RawMessage(`{}`)}
			if err := a.writeJSON(conn, req); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}

		if _, isResponse := probe["status"]; isResponse {
			var resp agentchannel.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			a.resolvePending(resp)
			continue
		}

		var req agentchannel.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		if req.Type == agentchannel.TypeExec {
			go a.handleExec(conn, req)
		}
	}
}

func (a *Agent) writeJSON(conn *websocket.Conn, v interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (a *Agent) resolvePending(resp agentchannel.Response) {
	a.mu.Lock()
	ch, ok := a.pending[resp.ID]
	if ok {
		delete(a.pending, resp.ID)
	}
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (a *Agent) failAllPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan agentchannel.Response)
	a.mu.Unlock()

	for _, ch := range pending {
		ch <- agentchannel.Response{Status: agentchannel.StatusError, Error: &agentchannel.ResponseError{Code: 503, Detail: err.Error()}}
	}
}

// sendAndWait sends an agent-initiated request over the current connection
// and waits for the matching response, used by the IPC bridge. The
// heartbeat does not use it: heartbeatLoop writes its pings directly.
func (a *Agent) sendAndWait(ctx context.Context, req agentchannel.Request, timeout time.Duration) (agentchannel.Response, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return agentchannel.Response{}, fmt.Errorf("not connected to controller")
	}
	ch := make(chan agentchannel.Response, 1)
	a.pending[req.ID] = ch
	a.mu.Unlock()

	if err := a.writeJSON(conn, req); err != nil {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		return agentchannel.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		return agentchannel.Response{}, fmt.Errorf("controller did not respond in time")
	case <-ctx.Done():
		return agentchannel.Response{}, ctx.Err()
	}
}

func (a *Agent) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	max := a.cfg.ReconnectMaxDelay
	if max <= 0 {
		max = 60 * time.Second
	}
	if next > max {
		return max
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	extra := rand.Float64() * jitterFraction * float64(d)
	return d + time.Duration(extra)
}

func randomID() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = hex[rand.Intn(len(hex))]
	}
	return string(buf)
}
