package httpx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haukened/tokencache/internal/domain"
	"github.com/haukened/tokencache/internal/metrics"
)

// handleLogin starts the authorization code flow: a fresh state is bound to
// the browser with a short-lived cookie and echoed through the authorize URL.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cid, _ := GetCorrelationID(r.Context())
	state, err := domain.NewState()
	if err != nil {
		slog.Error("login", "domain", "auth", "action", "state", "cid", cid, "err", err)
		h.renderErrorPage(w, r, http.StatusInternalServerError, "Login failed", "internal")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state.String(),
		Path:     "/",
		MaxAge:   int(h.stateTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.Sessions.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	slog.Debug("login", "domain", "auth", "action", "redirect", "cid", cid)
	http.Redirect(w, r, h.Auth.AuthCodeURL(state.String()), http.StatusFound)
}

// handleCallback completes the flow: the state must match the cookie set by
// handleLogin, then the code is exchanged and the record cached.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid, _ := GetCorrelationID(ctx)
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.inc(metrics.CounterLoginFailures)
		slog.Warn("callback", "domain", "auth", "action", "denied", "cid", cid, "error", e)
		h.renderErrorPage(w, r, http.StatusBadRequest, "Login failed", "the authorization server denied the request")
		return
	}
	err := h.checkState(r)
	h.clearState(w)
	if err != nil {
		h.inc(metrics.CounterLoginFailures)
		h.failPage(w, r, err)
		return
	}
	rec, err := h.Service.Login(ctx, q.Get("code"))
	if err != nil {
		h.inc(metrics.CounterLoginFailures)
		h.failPage(w, r, err)
		return
	}
	if err := h.Sessions.Issue(w, rec.UserID); err != nil {
		slog.Error("callback", "domain", "auth", "action", "session", "cid", cid, "err", err)
		h.renderErrorPage(w, r, http.StatusInternalServerError, "Login failed", "internal")
		return
	}
	h.inc(metrics.CounterLogins)
	slog.Info("SECURITY_AUDIT", "domain", "auth", "action", "login", "cid", cid)
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout drops the user's cached token, clears the session and sends the
// browser to the authorization server's logout endpoint.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cid, _ := GetCorrelationID(r.Context())
	if userID, ok := h.Sessions.UserID(r); ok {
		if err := h.Service.Forget(userID); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
			h.failPage(w, r, err)
			return
		}
		h.inc(metrics.CounterLogouts)
		slog.Info("SECURITY_AUDIT", "domain", "auth", "action", "logout", "cid", cid)
	}
	h.Sessions.Clear(w)
	http.Redirect(w, r, h.Auth.LogoutURL(h.publicURL(r)+"/"), http.StatusFound)
}

func (h *Handler) checkState(r *http.Request) error {
	got, err := domain.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		return err
	}
	c, err := r.Cookie(StateCookie)
	if err != nil {
		return fmt.Errorf("%w: no state cookie", domain.ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(got.String())) != 1 {
		return fmt.Errorf("%w: state mismatch", domain.ErrInvalidState)
	}
	return nil
}

func (h *Handler) clearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Sessions.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) publicURL(r *http.Request) string {
	if h.PublicURL != "" {
		return h.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
