package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/haukened/tokencache/internal/domain"
)

// handleToken returns the session user's token record as JSON, refreshing it
// first when it is close to expiry.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := h.Sessions.UserID(r)
	if !ok {
		h.mapServiceError(ctx, w, domain.ErrNotAuthenticated)
		return
	}
	rec, err := h.Service.Token(ctx, userID)
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(rec)
}
