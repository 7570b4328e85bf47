package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// correlationIDCtxKey is the unexported context key type to avoid collisions.
type correlationIDCtxKey struct{}

var cidKey = correlationIDCtxKey{}

// CorrelationIDHeader is the HTTP header used for inbound/outbound correlation IDs.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationIDMiddleware injects a per-request correlation ID into the request
// context and response headers. An incoming X-Correlation-ID is reused; when
// absent a new UUID v4 is generated. Downstream handlers can retrieve the value
// via GetCorrelationID.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), cidKey, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation ID from the context. The second
// boolean return reports whether a value was present.
func GetCorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cidKey).(string)
	return id, ok
}

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// logRequests logs method, path, status and duration of every request at
// debug level. Query strings are never logged since they carry codes.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		cid, _ := GetCorrelationID(r.Context())
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		slog.Debug("request", "domain", "http", "action", "served", "cid", cid,
			"method", r.Method, "path", r.URL.Path, "status", status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
