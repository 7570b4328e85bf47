package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haukened/tokencache/internal/domain"
	"github.com/haukened/tokencache/internal/marketdata"
)

// HomeView supplies the home template. Token is the pretty-printed record
// with secrets shortened.
type HomeView struct {
	LoggedIn  bool
	UserID    string
	Token     string
	ExpiresAt string
	Expired   bool
	Examples  []marketdata.Example
}

// handleHome renders the landing page. The authorization server may also
// redirect here with ?code=&state=, in which case the callback runs.
func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" { // only exact root handled here
		h.renderErrorPage(w, r, http.StatusNotFound, "Not found", "not found")
		return
	}
	q := r.URL.Query()
	if q.Has("code") || q.Has("error") {
		h.handleCallback(w, r)
		return
	}
	if h.HomeTmpl == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("home unavailable"))
		return
	}
	view, err := h.homeView(w, r)
	if err != nil {
		h.failPage(w, r, err)
		return
	}
	renderTemplate(w, h.HomeTmpl, view)
}

func (h *Handler) homeView(w http.ResponseWriter, r *http.Request) (HomeView, error) {
	userID, ok := h.Sessions.UserID(r)
	if !ok {
		return HomeView{}, nil
	}
	rec, err := h.Service.Cached(userID)
	if errors.Is(err, domain.ErrNotAuthenticated) {
		// Cache entry is gone (logout elsewhere or deleted by the CLI).
		h.Sessions.Clear(w)
		return HomeView{}, nil
	}
	if err != nil {
		return HomeView{}, err
	}
	pretty, err := json.MarshalIndent(rec.Redacted(), "", "  ")
	if err != nil {
		return HomeView{}, err
	}
	view := HomeView{LoggedIn: true, UserID: userID, Token: string(pretty), Examples: h.APIExamples}
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		view.ExpiresAt = exp.UTC().Format(time.RFC3339)
		view.Expired = !time.Now().Before(exp)
	}
	return view, nil
}
