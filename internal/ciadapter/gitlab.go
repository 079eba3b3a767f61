package ciadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// gitlabStatusMap translates GitLab job statuses to the engine's
// vocabulary. manual, pending, and created are not yet terminal from the
// engine's point of view — the job may still run — so they map to running.
var gitlabStatusMap = map[string]string{
	"running":  StatusRunning,
	"success":  StatusSuccess,
	"failed":   StatusFailure,
	"canceled": StatusCanceled,
	"manual":   StatusRunning,
	"pending":  StatusRunning,
	"created":  StatusRunning,
}

// GitLabAdapter talks to the GitLab REST API v4.
type GitLabAdapter struct {
	baseURL   string
	token     string
	projectID string
	http      *http.Client
}

// NewGitLabAdapter constructs a GitLabAdapter. projectID may be empty, in
// which case job status lookups use the instance-wide /jobs/:id endpoint
// instead of the project-scoped one.
func NewGitLabAdapter(baseURL, token, projectID string, timeout time.Duration) *GitLabAdapter {
	return &GitLabAdapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		projectID: projectID,
		http:      &http.Client{Timeout: timeout},
	}
}

func (a *GitLabAdapter) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reqBody *strings.Reader
	if body != nil {
		reqBody = strings.NewReader(string(body))
	}
	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.http.Do(req)
}

// GetJobStatus implements Adapter.
func (a *GitLabAdapter) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	var path string
	if a.projectID != "" {
		path = fmt.Sprintf("/api/v4/projects/%s/jobs/%s", a.projectID, jobID)
	} else {
		path = fmt.Sprintf("/api/v4/jobs/%s", jobID)
	}

	resp, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("ciadapter: gitlab get job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("ciadapter: gitlab job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ciadapter: gitlab get job status: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ciadapter: decode gitlab job response: %w", err)
	}

	status, ok := gitlabStatusMap[out.Status]
	if !ok {
		status = StatusRunning
	}
	return status, nil
}

func (a *GitLabAdapter) setRunnerActive(ctx context.Context, ciRunnerID int, active bool) error {
	path := fmt.Sprintf("/api/v4/runners/%d", ciRunnerID)
	body, err := json.Marshal(map[string]bool{"active": active})
	if err != nil {
		return err
	}

	resp, err := a.request(ctx, http.MethodPut, path, body)
	if err != nil {
		return fmt.Errorf("ciadapter: gitlab set runner active=%v: %w", active, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ciadapter: gitlab runner %d not found", ciRunnerID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ciadapter: gitlab set runner active=%v: unexpected status %d", active, resp.StatusCode)
	}
	return nil
}

// PauseRunner implements Adapter.
func (a *GitLabAdapter) PauseRunner(ctx context.Context, ciRunnerID int) error {
	return a.setRunnerActive(ctx, ciRunnerID, false)
}

// UnpauseRunner implements Adapter.
func (a *GitLabAdapter) UnpauseRunner(ctx context.Context, ciRunnerID int) error {
	return a.setRunnerActive(ctx, ciRunnerID, true)
}
