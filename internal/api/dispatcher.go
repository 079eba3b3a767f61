package api

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/repositories"
)

// ChannelDispatcher implements agentchannel.Dispatcher, answering the
// agent-initiated requests an agentd's local IPC bridge forwards over the
// WebSocket connection — the same create/finalize/status vocabulary
// e2epoolctl speaks to the HTTP API, routed through the channel instead so
// a runner never needs controller network access beyond the one outbound
// WebSocket it already holds.
type ChannelDispatcher struct {
	svc             *checkpoint.Service
	runners         repositories.RunnerRepository
	logger          *zap.Logger
	enqueueFinalize func(ctx context.Context, checkpointName string) error
}

// NewChannelDispatcher constructs a ChannelDispatcher.
func NewChannelDispatcher(svc *checkpoint.Service, runners repositories.RunnerRepository, logger *zap.Logger, enqueueFinalize func(ctx context.Context, checkpointName string) error) *ChannelDispatcher {
	return &ChannelDispatcher{svc: svc, runners: runners, logger: logger, enqueueFinalize: enqueueFinalize}
}

// Dispatch implements agentchannel.Dispatcher.
func (d *ChannelDispatcher) Dispatch(runnerID string, req agentchannel.Request) agentchannel.Response {
	ctx := context.Background()

	switch req.Type {
	case agentchannel.TypePing:
		return agentchannel.Response{ID: req.ID, Status: agentchannel.StatusOK, Data: json.RawMessage(`{}`)}
	case agentchannel.TypeCreate:
		return d.dispatchCreate(ctx, runnerID, req)
	case agentchannel.TypeFinalize:
		return d.dispatchFinalize(ctx, req)
	case agentchannel.TypeStatus:
		return d.dispatchStatus(ctx, req)
	default:
		return errResponse(req.ID, 400, "unknown request type")
	}
}

type createChannelPayload struct {
	JobID  string `json:"job_id"`
	Caller string `json:"caller"`
}

func (d *ChannelDispatcher) dispatchCreate(ctx context.Context, runnerID string, req agentchannel.Request) agentchannel.Response {
	var payload createChannelPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.JobID == "" {
		return errResponse(req.ID, 422, "job_id is required")
	}

	runner, err := d.runners.GetByRunnerID(ctx, runnerID)
	if err != nil {
		return errResponse(req.ID, 404, "runner not found")
	}

	cp, err := d.svc.Create(ctx, runner, payload.JobID, payload.Caller)
	if err != nil {
		return serviceErrResponse(req.ID, err)
	}

	data, _ := json.Marshal(toCheckpointResponse(cp))
	return agentchannel.Response{ID: req.ID, Status: agentchannel.StatusOK, Data: data}
}

type finalizeChannelPayload struct {
	CheckpointName string `json:"checkpoint_name"`
	Status         string `json:"status"`
	Source         string `json:"source"`
}

func (d *ChannelDispatcher) dispatchFinalize(ctx context.Context, req agentchannel.Request) agentchannel.Response {
	var payload finalizeChannelPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.CheckpointName == "" || !validFinalizeStatuses[payload.Status] {
		return errResponse(req.ID, 422, "checkpoint_name and a valid status are required")
	}
	if payload.Source == "" {
		payload.Source = "agent"
	}

	cp, already, err := d.svc.QueueFinalize(ctx, payload.CheckpointName, payload.Status, payload.Source)
	if err != nil {
		return serviceErrResponse(req.ID, err)
	}
	if already {
		data, _ := json.Marshal(map[string]string{"detail": "Already finalized"})
		return agentchannel.Response{ID: req.ID, Status: agentchannel.StatusOK, Data: data}
	}

	if d.enqueueFinalize != nil {
		if err := d.enqueueFinalize(ctx, cp.Name); err != nil {
			d.logger.Error("dispatcher: failed to enqueue finalize after commit", zap.String("checkpoint", cp.Name), zap.Error(err))
			return errResponse(req.ID, 503, "finalize queued in database but could not be enqueued")
		}
	}

	data, _ := json.Marshal(toCheckpointResponse(cp))
	return agentchannel.Response{ID: req.ID, Status: agentchannel.StatusOK, Data: data}
}

type statusChannelPayload struct {
	CheckpointName string `json:"checkpoint_name"`
}

func (d *ChannelDispatcher) dispatchStatus(ctx context.Context, req agentchannel.Request) agentchannel.Response {
	var payload statusChannelPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.CheckpointName == "" {
		return errResponse(req.ID, 422, "checkpoint_name is required")
	}

	cp, err := d.svc.GetByName(ctx, payload.CheckpointName)
	if err != nil {
		return serviceErrResponse(req.ID, err)
	}

	data, _ := json.Marshal(toCheckpointResponse(cp))
	return agentchannel.Response{ID: req.ID, Status: agentchannel.StatusOK, Data: data}
}

func errResponse(id string, code int, detail string) agentchannel.Response {
	return agentchannel.Response{ID: id, Status: agentchannel.StatusError, Error: &agentchannel.ResponseError{Code: code, Detail: detail}}
}

func serviceErrResponse(id string, err error) agentchannel.Response {
	var svcErr *checkpoint.Error
	if errors.As(err, &svcErr) {
		return errResponse(id, svcErr.Status, svcErr.Detail)
	}
	return errResponse(id, 500, "an internal error occurred")
}
