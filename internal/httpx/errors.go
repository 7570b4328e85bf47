package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/haukened/tokencache/internal/domain"
)

// errorClass is the public face of an error: status, a stable code for logs
// and a short message that never carries internal detail.
type errorClass struct {
	status  int
	code    string
	title   string
	message string
}

func classify(err error) errorClass {
	var rerr *oauth2.RetrieveError
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return errorClass{http.StatusBadRequest, "invalid_state", "Login failed", "invalid state"}
	case errors.Is(err, domain.ErrNotAuthenticated):
		return errorClass{http.StatusUnauthorized, "not_authenticated", "Not logged in", "not authenticated"}
	case errors.Is(err, domain.ErrNoRefreshToken):
		return errorClass{http.StatusUnauthorized, "no_refresh_token", "Session expired", "session expired"}
	case errors.Is(err, domain.ErrDecryption), errors.Is(err, domain.ErrFormat):
		return errorClass{http.StatusInternalServerError, "cache_unreadable", "Cache unreadable", "cache unreadable"}
	case errors.Is(err, domain.ErrStorage):
		return errorClass{http.StatusServiceUnavailable, "storage", "Storage unavailable", "storage unavailable"}
	case errors.Is(err, domain.ErrAPIPath):
		return errorClass{http.StatusBadRequest, "api_path", "Bad request", "api path not allowed"}
	case errors.Is(err, domain.ErrUpstream):
		return errorClass{http.StatusBadGateway, "upstream", "API unavailable", "api unreachable"}
	case errors.As(err, &rerr):
		return errorClass{http.StatusBadGateway, "token_endpoint", "Login failed", "token exchange failed"}
	default:
		return errorClass{http.StatusInternalServerError, "unhandled", "Internal error", "internal"}
	}
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

// logServiceError logs err by class. Raw error strings are only logged for
// the cache failures an operator must act on; they carry paths, not secrets.
func logServiceError(ctx context.Context, c errorClass, err error) {
	cid, _ := GetCorrelationID(ctx)
	switch c.code {
	case "cache_unreadable":
		slog.Error("SECURITY_AUDIT", "domain", "cache", "action", "unreadable", "cid", cid, "err", err)
	case "storage":
		slog.Error("service error", "cid", cid, "code", c.code, "err", err)
	case "unhandled":
		slog.Error("unhandled service error", "cid", cid, "code", c.code)
	case "not_authenticated":
		slog.Info("service error", "cid", cid, "code", c.code)
	default:
		slog.Warn("service error", "cid", cid, "code", c.code)
	}
}

// mapServiceError maps domain/store/service errors to JSON responses.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	c := classify(err)
	logServiceError(ctx, c, err)
	h.writeError(ctx, w, c.status, c.message)
}

// failPage is mapServiceError for browser routes.
func (h *Handler) failPage(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	logServiceError(r.Context(), c, err)
	h.renderErrorPage(w, r, c.status, c.title, c.message)
}
