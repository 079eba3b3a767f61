// Package api implements the controller's HTTP surface: the checkpoint
// lifecycle routes, webhook ingestion, the internal agent-exec bridge,
// health/metrics, and the /ws/agent upgrade endpoint. Every error response
// carries {"detail": string} — the shape spec.md §7 mandates — rather than
// the {"error": {...}} envelope the reference API uses, since this surface
// is consumed by CI jobs and the agent daemon, not a browser SPA.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type detailBody struct {
	Detail string `json:"detail"`
}

// ErrDetail writes a JSON error response carrying {"detail": detail}.
func ErrDetail(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, detailBody{Detail: detail})
}

// decodeJSON decodes the request body into dst, writing a 422 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}
