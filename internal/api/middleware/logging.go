package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/researchops/internal/api/response"
)

// resourceParams maps route parameters to the log keys used elsewhere for
// the same ids.
var resourceParams = []struct{ param, key string }{
	{"jobID", "job_id"},
	{"campaignID", "campaign_id"},
	{"taskID", "task_id"},
	{"keyID", "key_id"},
}

// requestAttrs describes the request for a log line: the matched route and
// the job, campaign, task or key it addressed. Routing has run by the time
// the wrapped handler returns, so the chi route context is populated.
func requestAttrs(r *http.Request) []any {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimw.GetReqID(r.Context()),
	}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return attrs
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		attrs = append(attrs, "route", pattern)
	}
	for _, p := range resourceParams {
		if v := rctx.URLParam(p.param); v != "" {
			attrs = append(attrs, p.key, v)
		}
	}
	return attrs
}

// Logger writes one structured line per request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := append(requestAttrs(r),
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
		if status >= http.StatusInternalServerError {
			slog.Error("request", attrs...)
			return
		}
		slog.Info("request", attrs...)
	})
}

// Recovery turns a handler panic into a 500 envelope that carries the
// request id, so a caller can quote it when reporting a stuck job or campaign.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			attrs := append(requestAttrs(r), "panic", rec, "stack", string(debug.Stack()))
			slog.Error("handler panicked", attrs...)

			var details any
			if id := chimw.GetReqID(r.Context()); id != "" {
				details = map[string]any{"request_id": id}
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(w, r)
	})
}
