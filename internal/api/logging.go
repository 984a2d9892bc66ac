package api

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder captures what the handler wrote; net/http exposes
// neither the status nor the byte count after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wrote {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer for http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// quietPaths are liveness endpoints hit every few seconds by container
// orchestrators; logging them buries everything else. /health/ready is
// still logged because it reflects real dependency state.
var quietPaths = map[string]bool{
	"/health":      true,
	"/health/live": true,
}

// RequestLogger emits one structured line per request: method, path,
// status, duration, sizes, and the request ID when present. 5xx logs at
// error, 4xx at warn, the rest at info.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.String("duration", time.Since(start).String()),
			slog.Int64("request_size", r.ContentLength),
			slog.Int("response_size", rec.bytes),
		}
		if id := RequestIDFromContext(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		slog.LogAttrs(r.Context(), level, "request completed", attrs...)
	})
}
