// Package httpx contains the HTTP delivery layer (net/http handlers) for
// tokencache. It drives the OAuth authorization code flow, keeps the logged-in
// user in a signed session cookie and exposes the cached token record, while
// enforcing security headers and translating domain errors to responses.
// Handlers are split across files (login.go, home.go, token.go, proxy.go,
// health.go, errors.go).
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/haukened/tokencache/internal/domain"
	"github.com/haukened/tokencache/internal/marketdata"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Login(ctx context.Context, code string) (domain.TokenRecord, error)
	Token(ctx context.Context, userID string) (domain.TokenRecord, error)
	Cached(userID string) (domain.TokenRecord, error)
	Forget(userID string) error
	CallAPI(ctx context.Context, userID string, req domain.APIRequest) (domain.APIResponse, error)
}

// Authenticator builds the authorization server URLs the browser is sent to.
// It is satisfied by *auth.Client.
type Authenticator interface {
	AuthCodeURL(state string) string
	LogoutURL(returnTo string) string
}

// Recorder receives counter increments. *metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
}

// Renderer abstracts template execution for easier testing.
// Typically implemented by a thin wrapper around html/template.Template.
type Renderer interface {
	Execute(w http.ResponseWriter, data any) error
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service   ServicePort
	Auth      Authenticator
	Sessions  *Sessions
	Readiness func(context.Context) error // optional readiness probe
	HomeTmpl  Renderer                    // optional renderer for the home page
	ErrorTmpl Renderer                    // optional renderer for error pages
	Assets    http.FileSystem             // static assets filesystem (optional)
	Metrics   http.Handler                // mounted at /metrics when set
	Recorder  Recorder                    // optional login/logout counters
	// APIExamples are offered on the home page as /api/proxy links. Empty
	// hides the section, e.g. when no API domain is configured.
	APIExamples []marketdata.Example
	// PublicURL is the externally visible base URL used for the logout
	// returnTo parameter. Empty derives it from the request.
	PublicURL string
	// StateTTL bounds how long a login may take. Zero uses DefaultStateTTL.
	StateTTL time.Duration
}

// DefaultStateTTL is the lifetime of the OAuth state cookie.
const DefaultStateTTL = 10 * time.Minute

// New returns a configured Handler.
// svc: application service port implementation.
// auth: authorization server URL builder.
// sessions: session cookie signer.
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, auth Authenticator, sessions *Sessions, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, Auth: auth, Sessions: sessions, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the correlation, logging and security headers middleware applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleHome)
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/callback", h.handleCallback)
	mux.HandleFunc("/logout", h.handleLogout)
	mux.HandleFunc("/api/token", h.handleToken)
	mux.HandleFunc("/api/proxy", h.handleProxy)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	if h.Metrics != nil {
		mux.Handle("/metrics", h.Metrics)
	}
	if h.Assets != nil {
		mux.Handle("/static/", http.StripPrefix("/static/", h.staticHandler()))
	}
	return CorrelationIDMiddleware(logRequests(h.secureHeaders(mux)))
}

// secureHeaders middleware adds standard security & cache control headers.
func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Default: deny everything, then allow only self scripts/styles/images.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// Static handler overrides with a short public max-age.
		if ct := w.Header().Get("Content-Type"); ct == "" {
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Pragma", "no-cache")
		}
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'self'; style-src 'self'; img-src 'self' data:; connect-src 'self'; font-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'self'")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) inc(name string) {
	if h.Recorder != nil {
		h.Recorder.Inc(name, 1)
	}
}

func (h *Handler) stateTTL() time.Duration {
	if h.StateTTL > 0 {
		return h.StateTTL
	}
	return DefaultStateTTL
}
