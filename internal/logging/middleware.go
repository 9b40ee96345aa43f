package logging

import (
	"log/slog"
	"net/http"
	"time"
)

// HTTPMiddleware wraps next with access logging. Requests land at debug
// with method, path, status, response size and elapsed time; responses
// carrying a 5xx status are raised to warn.
func HTTPMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	access := log.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelDebug
		if sw.code >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		access.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"bytes", sw.bytes,
			"elapsed", time.Since(start),
		)
	})
}

// statusWriter records the status code and body size as they pass
// through. The first write pins the status.
type statusWriter struct {
	http.ResponseWriter
	code  int
	bytes int64
	set   bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.set {
		sw.code = code
		sw.set = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.set = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer for http.ResponseController, so
// the websocket upgrade can hijack through the wrapper.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
