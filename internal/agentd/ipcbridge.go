package agentd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/e2epool/e2epool/internal/agentchannel"
)

func requestOf(id, msgType string, payload json.RawMessage) agentchannel.Request {
	if id == "" {
		id = randomID()
	}
	return agentchannel.Request{ID: id, Type: msgType, Payload: payload}
}

const ipcRequestTimeout = 30 * time.Second

// handleIPC implements ipc.Handler. It forwards a CLI request unchanged to
// the controller over the agent channel and relays back whatever response
// the controller sends, so e2epoolctl run locally on a runner behaves
// exactly like hitting the controller's HTTP API directly.
func (a *Agent) handleIPC(ctx context.Context, msg map[string]interface{}) map[string]interface{} {
	id, _ := msg["id"].(string)
	msgType, _ := msg["type"].(string)
	payload := msg["payload"]

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		payloadBytes = json.RawMessage(`{}`)
	}

	a.mu.Lock()
	connected := a.conn != nil
	a.mu.Unlock()
	if !connected {
		return errorEnvelope(id, 503, "not connected to controller")
	}

	resp, err := a.sendAndWait(ctx, requestOf(id, msgType, payloadBytes), ipcRequestTimeout)
	if err != nil {
		return errorEnvelope(id, 503, err.Error())
	}

	out := map[string]interface{}{"id": resp.ID, "status": resp.Status}
	if resp.Data != nil {
		var data interface{}
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			out["data"] = data
		}
	}
	if resp.Error != nil {
		out["error"] = map[string]interface{}{"code": resp.Error.Code, "detail": resp.Error.Detail}
	}
	return out
}

func errorEnvelope(id string, code int, detail string) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"status": "error",
		"error":  map[string]interface{}{"code": code, "detail": detail},
	}
}
