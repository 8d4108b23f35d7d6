package middleware

import (
	"net/http"
	"time"

	operator "github.com/aiop/operator"
)

// RequestLogger logs one request_start line and one request_end (or
// request_error, for 5xx responses) line per request, generalizing
// correlator's two-line RequestLogger into the specification's three-event
// vocabulary.
func RequestLogger(logger operator.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			runID := GetRunID(r.Context())

			logger.Info("request_start",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"run_id", runID,
			)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			event := "request_end"
			if rw.statusCode >= 500 {
				event = "request_error"
			}

			logger.Info(event,
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", rw.statusCode,
				"duration_s", duration.Seconds(),
				"run_id", runID,
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
