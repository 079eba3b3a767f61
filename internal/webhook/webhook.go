// Package webhook ingests CI provider push events and queues finalize for
// the matching checkpoint. A request with a bad token or signature gets 403
// (and a GitHub body that cannot be read gets 400). Once a request passes
// that check, the handler always responds 200 — including when the
// referenced checkpoint doesn't exist or isn't in a state that can be
// finalized — because the provider will retry a non-2xx response, and a
// webhook arriving for a job this engine no longer cares about is an
// expected race, not an error worth surfacing to the provider's retry logic.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/e2epool/e2epool/internal/checkpoint"
	"go.uber.org/zap"
)

// gitlabStatusMap only recognizes the terminal statuses GitLab's job hook
// sends; anything else is ignored (the job is still in flight).
var gitlabStatusMap = map[string]string{
	"success":  "success",
	"failed":   "failure",
	"canceled": "canceled",
}

// githubConclusionMap only recognizes the terminal workflow_job conclusions
// this engine acts on.
var githubConclusionMap = map[string]string{
	"success":   "success",
	"failure":   "failure",
	"cancelled": "canceled",
	"timed_out": "failure",
}

// Handlers wires the checkpoint service and shared secrets needed to verify
// and process inbound webhooks.
type Handlers struct {
	svc             *checkpoint.Service
	gitlabSecret    string
	githubSecret    string
	logger          *zap.Logger
	enqueueFinalize func(ctx context.Context, checkpointName string) error
}

// New constructs Handlers.
func New(svc *checkpoint.Service, gitlabSecret, githubSecret string, logger *zap.Logger, enqueueFinalize func(ctx context.Context, checkpointName string) error) *Handlers {
	return &Handlers{svc: svc, gitlabSecret: gitlabSecret, githubSecret: githubSecret, logger: logger, enqueueFinalize: enqueueFinalize}
}

type gitlabJobHookPayload struct {
	ObjectKind  string `json:"object_kind"`
	BuildID     int64  `json:"build_id"`
	BuildStatus string `json:"build_status"`
}

// GitLab handles POST /webhooks/gitlab. GitLab job hooks identify the job
// by numeric build_id — it is formatted as a string to match JobID's
// storage type and the checkpoint's recorded job_id.
func (h *Handlers) GitLab(w http.ResponseWriter, r *http.Request) {
	if !constantTimeEqual(r.Header.Get("X-Gitlab-Token"), h.gitlabSecret) {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	var payload gitlabJobHookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeOK(w)
		return
	}
	if payload.ObjectKind != "build" {
		writeOK(w)
		return
	}

	status, ok := gitlabStatusMap[payload.BuildStatus]
	if !ok {
		writeOK(w)
		return
	}

	h.finalizeByJobID(r.Context(), jobIDString(payload.BuildID), status, "webhook")
	writeOK(w)
}

type githubWorkflowJobPayload struct {
	Action string `json:"action"`
	WorkflowJob struct {
		ID         int64  `json:"id"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_job"`
}

// GitHub handles POST /webhooks/github.
func (h *Handlers) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.githubSecret == "" || !verifyGitHubSignature(h.githubSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var payload githubWorkflowJobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeOK(w)
		return
	}
	if r.Header.Get("X-GitHub-Event") != "workflow_job" || payload.Action != "completed" {
		writeOK(w)
		return
	}

	status, ok := githubConclusionMap[payload.WorkflowJob.Conclusion]
	if !ok {
		writeOK(w)
		return
	}

	h.finalizeByJobID(r.Context(), jobIDString(payload.WorkflowJob.ID), status, "webhook")
	writeOK(w)
}

func (h *Handlers) finalizeByJobID(ctx context.Context, jobID, status, source string) {
	cp, err := h.svc.GetCheckpointByJobID(ctx, jobID)
	if err != nil {
		return
	}

	_, already, err := h.svc.QueueFinalize(ctx, cp.Name, status, source)
	if err != nil {
		h.logger.Warn("webhook: failed to queue finalize", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !already && h.enqueueFinalize != nil {
		if err := h.enqueueFinalize(ctx, cp.Name); err != nil {
			h.logger.Error("webhook: failed to enqueue finalize task", zap.String("checkpoint", cp.Name), zap.Error(err))
		}
	}
}

func verifyGitHubSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return constantTimeEqual(expected, signature)
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func jobIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
