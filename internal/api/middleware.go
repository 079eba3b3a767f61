package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const contextKeyRunner contextKey = iota

// Authenticate validates the bearer token present in the Authorization
// header against the runner table and stores the matching *db.Runner in the
// request context. There is no session or identity provider here — a
// runner's token is a long-lived secret it presents on every request.
func Authenticate(runners repositories.RunnerRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				ErrDetail(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			runner, err := runners.GetByToken(r.Context(), parts[1])
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					ErrDetail(w, http.StatusForbidden, "invalid token")
					return
				}
				ErrDetail(w, http.StatusInternalServerError, "an internal error occurred")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyRunner, runner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// runnerFromCtx retrieves the runner authenticated by Authenticate.
func runnerFromCtx(ctx context.Context) *db.Runner {
	runner, _ := ctx.Value(contextKeyRunner).(*db.Runner)
	return runner
}

// RequireAdminToken guards the internal, cross-process-only routes
// (/internal/agent/*) with a static shared secret instead of a runner
// token — these are called by the controller's own worker processes, never
// by a runner or CI job.
func RequireAdminToken(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" || r.Header.Get("X-Admin-Token") != adminToken {
				ErrDetail(w, http.StatusForbidden, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status, and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
