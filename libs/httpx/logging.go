package httpx

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// recorder remembers what a handler answered. Unwrap lets
// http.ResponseController reach the underlying writer, which the gateway's
// reverse proxy needs for flushing.
type recorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *recorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithAccessLog writes one line per request. Health probes log at debug,
// client errors at info, and server errors at error.
func WithAccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &recorder{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.LogAttrs(r.Context(), accessLevel(r.URL.Path, status), "http request",
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rw.written),
				slog.String("client", ClientIP(r)),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func accessLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case strings.HasPrefix(path, "/healthz"), strings.HasPrefix(path, "/readyz"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
