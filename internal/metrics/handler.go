package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// SnapshotProvider abstracts Manager for testing.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error)
}

// Handler returns an http.HandlerFunc that writes a JSON metrics snapshot.
// If token is non-empty, requests must include Authorization: Bearer <token>.
func Handler(provider SnapshotProvider, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && !bearerMatches(r.Header.Get("Authorization"), token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		counters, summaries, err := provider.Snapshot(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"counters":  counters,
			"summaries": summaries,
		})
	}
}

func bearerMatches(hdr, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(hdr, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hdr[len(prefix):]), []byte(token)) == 1
}
