// Package middleware holds the cross-cutting HTTP layers that wrap every
// route: request logging and Prometheus instrumentation.
//
// A middleware here has the chi/net/http shape
//
//	func(next http.Handler) http.Handler
//
// and does its work around the call to next.ServeHTTP: timing starts before,
// status and size are read after.
//
// Authentication middleware lives in internal/auth next to the token code
// it depends on.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// statusRecorder remembers what the handler wrote. http.ResponseWriter has no
// getter for the status code, so it is captured on the way through.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

// record reuses an existing recorder so Logger and Metrics, stacked on the
// same request, observe one set of numbers.
func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the real writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Logger writes one structured line per request: request id, method, path,
// status, duration and bytes. 5xx responses are logged at Error level so
// they stand out from ordinary traffic.
//
// The request id is chi's RequestID value (it reuses an incoming
// X-Request-Id header), so RequestID must be mounted first.
//
// Query strings are not logged: the OAuth callback carries the
// authorization code there.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			logger.LogAttrs(r.Context(), level, "request completed",
				slog.String("request_id", chimiddleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
			)
		})
	}
}
