package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/tokencache/internal/app"
	"github.com/haukened/tokencache/internal/auth"
	"github.com/haukened/tokencache/internal/config"
	"github.com/haukened/tokencache/internal/httpx"
	"github.com/haukened/tokencache/internal/marketdata"
	"github.com/haukened/tokencache/internal/metrics"
	"github.com/haukened/tokencache/internal/refresher"
	"github.com/haukened/tokencache/internal/store"
	"github.com/haukened/tokencache/web"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the login web app and the background token refresher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c.cfg)
		},
	}
}

// redirectURL is the configured callback or one derived from the listen
// address.
func redirectURL(cfg *config.Config) string {
	if cfg.RedirectURL != "" {
		return cfg.RedirectURL
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://localhost:8080/callback"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/callback"
}

func newAuthClient(cfg *config.Config) (*auth.Client, error) {
	return auth.New(auth.Config{
		Domain:       cfg.Auth0Domain,
		APIDomain:    cfg.APIDomain,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL(cfg),
		Scopes:       cfg.Scopes,
	})
}

// newAPIClient builds the resource API client from api_domain and
// sim_api_domain.
func newAPIClient(cfg *config.Config) (*marketdata.Client, error) {
	return marketdata.New(marketdata.Config{Domain: cfg.APIDomain, SimDomain: cfg.SimAPIDomain})
}

type templates struct{ home, errorPage *template.Template }

// tplSpec describes a template file to parse with a name added to the base partials template.
type tplSpec struct{ name, file string }

// loadTemplates parses partials plus page templates from fsys.
func loadTemplates(fsys fs.FS) (*templates, error) {
	partialsBytes, err := fs.ReadFile(fsys, web.PartialsTemplate)
	if err != nil {
		return nil, err
	}
	base := string(partialsBytes)
	pages := []tplSpec{{"home", web.HomeTemplate}, {"error", web.ErrorTemplate}}
	out := &templates{}
	for _, page := range pages {
		pageBytes, err := fs.ReadFile(fsys, page.file)
		if err != nil {
			return nil, err
		}
		t, err := template.New("partials").Parse(base)
		if err == nil {
			t, err = t.New(page.name).Parse(string(pageBytes))
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page.file, err)
		}
		switch page.name {
		case "home":
			out.home = t
		case "error":
			out.errorPage = t
		}
	}
	return out, nil
}

// readiness reports whether the data directory is readable, the database
// answers and the cache decrypts.
func readiness(cfg *config.Config, db *sql.DB, st *store.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := os.ReadDir(cfg.DataDir); err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		_, err := st.Load()
		return err
	}
}

type handlerDeps struct {
	cfg      *config.Config
	svc      httpx.ServicePort
	auth     httpx.Authenticator
	sessions *httpx.Sessions
	ready    func(context.Context) error
	metrics  *metrics.Manager
	tmpls    *templates
	assets   fs.FS
}

func buildHandler(d handlerDeps) http.Handler {
	h := httpx.New(d.svc, d.auth, d.sessions, d.ready)
	h.HomeTmpl = httpx.TemplateRenderer{T: d.tmpls.home}
	h.ErrorTmpl = httpx.TemplateRenderer{T: d.tmpls.errorPage}
	h.Assets = http.FS(d.assets)
	if d.cfg.APIDomain != "" {
		h.APIExamples = marketdata.Examples
	}
	if d.metrics != nil {
		h.Recorder = d.metrics
		if d.cfg.MetricsToken != "" {
			h.Metrics = metrics.Handler(d.metrics, d.cfg.MetricsToken)
		} else {
			slog.Info("metrics endpoint disabled", "domain", "metrics", "reason", "metrics_token unset")
		}
	}
	return h.Router()
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := errors.Join(cfg.ValidateOAuth(), cfg.ValidateSession()); err != nil {
		return &configError{err}
	}
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mm := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlushInterval})
	if err := mm.InitSchema(ctx); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	mm.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mm.Stop(stopCtx)
	}()

	st, closeBlob, err := openStore(cfg, db, mm)
	if err != nil {
		return err
	}
	defer func() { _ = closeBlob() }()

	client, err := newAuthClient(cfg)
	if err != nil {
		return &configError{err}
	}
	svc := &app.Service{Cache: st, Auth: client, Clock: realClock{}, Skew: cfg.RefreshSkew}
	if cfg.APIDomain != "" {
		api, err := newAPIClient(cfg)
		if err != nil {
			return &configError{err}
		}
		svc.API = api
	} else {
		slog.Info("api proxy disabled", "domain", "http", "reason", "api_domain unset")
	}

	ref := refresher.New(svc, refresher.Config{Interval: cfg.RefreshInterval, Recorder: mm})
	ref.Start(ctx)
	defer ref.Stop()

	tmpls, err := loadTemplates(web.Assets)
	if err != nil {
		return err
	}
	sessions, err := httpx.NewSessions(cfg.AppSecretKey, 0)
	if err != nil {
		return &configError{err}
	}
	redirect := redirectURL(cfg)
	sessions.Secure = strings.HasPrefix(redirect, "https://")

	srv := newServer(cfg.Addr, buildHandler(handlerDeps{
		cfg:      cfg,
		svc:      svc,
		auth:     client,
		sessions: sessions,
		ready:    readiness(cfg, db, st),
		metrics:  mm,
		tmpls:    tmpls,
		assets:   web.Assets,
	}))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Addr, "redirect_url", redirect, "backend", cfg.Backend, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down", "domain", "http", "action", "shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
