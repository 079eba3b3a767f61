package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handleExec runs a controller-initiated shell command and writes the
// result back on the same connection, keyed by the request's ID.
func (a *Agent) handleExec(conn *websocket.Conn, req agentchannel.Request) {
	var payload agentchannel.ExecPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		a.writeExecResult(conn, req.ID, agentchannel.StatusError, agentchannel.ExecResult{ExitCode: -1, Stderr: "invalid exec payload"})
		return
	}
	if payload.Cmd == "" {
		a.writeExecResult(conn, req.ID, agentchannel.StatusError, agentchannel.ExecResult{ExitCode: -1, Stderr: "empty command"})
		return
	}

	timeout := time.Duration(payload.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", payload.Cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	maxOutput := a.cfg.ExecMaxOutput
	if maxOutput <= 0 {
		maxOutput = 65536
	}

	if ctx.Err() == context.DeadlineExceeded {
		a.writeExecResult(conn, req.ID, agentchannel.StatusError, agentchannel.ExecResult{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
		})
		return
	}

	exitCode := 0
	status := agentchannel.StatusOK
	if err != nil {
		status = agentchannel.StatusError
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := agentchannel.ExecResult{
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), maxOutput),
		Stderr:   truncate(stderr.String(), maxOutput),
	}
	a.writeExecResult(conn, req.ID, status, result)
}

func (a *Agent) writeExecResult(conn *websocket.Conn, id, status string, result agentchannel.ExecResult) {
	data, err := json.Marshal(result)
	if err != nil {
		a.logger.Error("agentd: failed to marshal exec result", zap.Error(err))
		return
	}
	resp := agentchannel.Response{ID: id, Status: status, Data: data}
	if err := a.writeJSON(conn, resp); err != nil {
		a.logger.Warn("agentd: failed to write exec result", zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
