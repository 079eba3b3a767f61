package ciadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	for _, tc := range []struct {
		status string
		want   bool
	}{
		{StatusRunning, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusCanceled, true},
		{"unknown", false},
	} {
		if got := IsTerminal(tc.status); got != tc.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

type fakeAdapter struct{}

func (fakeAdapter) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	return StatusRunning, nil
}
func (fakeAdapter) PauseRunner(ctx context.Context, ciRunnerID int) error   { return nil }
func (fakeAdapter) UnpauseRunner(ctx context.Context, ciRunnerID int) error { return nil }

func TestRegistryGetDefaultsToGitLabWhenNameEmpty(t *testing.T) {
	gitlab := fakeAdapter{}
	reg := NewRegistry(gitlab)

	a, ok := reg.Get("")
	if !ok {
		t.Fatal("expected an adapter to be resolved for an empty name")
	}
	if a != gitlab {
		t.Fatal("expected the empty name to resolve to the gitlab adapter")
	}
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	reg := NewRegistry(fakeAdapter{})

	_, ok := reg.Get("jenkins")
	if ok {
		t.Fatal("expected no adapter to be resolved for an unregistered provider")
	}
}

func TestGitLabAdapterGetJobStatusMapsKnownStatuses(t *testing.T) {
	for _, tc := range []struct {
		remote string
		want   string
	}{
		{"running", StatusRunning},
		{"success", StatusSuccess},
		{"failed", StatusFailure},
		{"canceled", StatusCanceled},
		{"manual", StatusRunning},
		{"pending", StatusRunning},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("PRIVATE-TOKEN") != "secret-token" {
				t.Errorf("expected PRIVATE-TOKEN header, got %q", r.Header.Get("PRIVATE-TOKEN"))
			}
			json.NewEncoder(w).Encode(map[string]string{"status": tc.remote})
		}))

		a := NewGitLabAdapter(srv.URL, "secret-token", "", time.Second)
		got, err := a.GetJobStatus(context.Background(), "42")
		if err != nil {
			t.Fatalf("get job status: %v", err)
		}
		if got != tc.want {
			t.Errorf("remote status %q: expected %q, got %q", tc.remote, tc.want, got)
		}
		srv.Close()
	}
}

func TestGitLabAdapterGetJobStatusUnrecognizedMapsToRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "skipped"})
	}))
	defer srv.Close()

	a := NewGitLabAdapter(srv.URL, "secret-token", "", time.Second)
	got, err := a.GetJobStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("get job status: %v", err)
	}
	if got != StatusRunning {
		t.Fatalf("expected unrecognized remote status to map to running, got %q", got)
	}
}

func TestGitLabAdapterGetJobStatusUsesProjectScopedPathWhenConfigured(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	a := NewGitLabAdapter(srv.URL, "secret-token", "123", time.Second)
	if _, err := a.GetJobStatus(context.Background(), "42"); err != nil {
		t.Fatalf("get job status: %v", err)
	}
	want := "/api/v4/projects/123/jobs/42"
	if gotPath != want {
		t.Fatalf("expected path %q, got %q", want, gotPath)
	}
}

func TestGitLabAdapterGetJobStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewGitLabAdapter(srv.URL, "secret-token", "", time.Second)
	if _, err := a.GetJobStatus(context.Background(), "42"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestGitLabAdapterPauseAndUnpauseRunnerSendActiveFlag(t *testing.T) {
	var gotBodies []map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		gotBodies = append(gotBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewGitLabAdapter(srv.URL, "secret-token", "", time.Second)
	if err := a.PauseRunner(context.Background(), 7); err != nil {
		t.Fatalf("pause runner: %v", err)
	}
	if err := a.UnpauseRunner(context.Background(), 7); err != nil {
		t.Fatalf("unpause runner: %v", err)
	}

	if len(gotBodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(gotBodies))
	}
	if gotBodies[0]["active"] != false {
		t.Fatalf("expected pause to send active=false, got %+v", gotBodies[0])
	}
	if gotBodies[1]["active"] != true {
		t.Fatalf("expected unpause to send active=true, got %+v", gotBodies[1])
	}
}

func TestGitLabAdapterSetRunnerActiveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewGitLabAdapter(srv.URL, "secret-token", "", time.Second)
	if err := a.PauseRunner(context.Background(), 999); err == nil {
		t.Fatal("expected an error when the runner doesn't exist")
	}
}
