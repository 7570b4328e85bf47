// Package auth is the OAuth2 authorization code collaborator: it builds the
// authorize redirect, exchanges codes and refresh tokens at the token
// endpoint and verifies the returned id_token against the tenant's JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/haukened/tokencache/internal/domain"
)

// DefaultScopes requests an id_token, a refresh token and market data access.
var DefaultScopes = []string{
	"openid", "offline_access", "profile",
	"MarketData", "ReadAccount", "Trade", "Crypto", "Matrix", "OptionSpreads",
}

// Config describes the authorization server tenant and this client.
type Config struct {
	// Domain is the tenant host (e.g. signin.example.com). A value that
	// already carries a scheme is used as is.
	Domain       string
	APIDomain    string // audience host
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client  // optional; defaults to a client with Timeout
	Timeout      time.Duration // per request; default 15s
	Now          func() time.Time
}

// Client talks to one authorization server tenant.
type Client struct {
	oauth    *oauth2.Config
	issuer   string
	audience string
	clientID string
	hc       *http.Client
	now      func() time.Time
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Domain == "" {
		return nil, errors.New("auth: domain is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	issuer := baseURL(cfg.Domain)
	if _, err := url.Parse(issuer); err != nil {
		return nil, fmt.Errorf("auth: invalid domain: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + "/authorize",
				TokenURL:  issuer + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		issuer:   issuer,
		clientID: cfg.ClientID,
		hc:       hc,
		now:      now,
	}
	if cfg.APIDomain != "" {
		c.audience = baseURL(cfg.APIDomain)
	}
	return c, nil
}

func baseURL(domain string) string {
	domain = strings.TrimSuffix(domain, "/")
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// AuthCodeURL returns the authorize redirect for state.
func (c *Client) AuthCodeURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if c.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", c.audience))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// LogoutURL returns the tenant logout endpoint that sends the browser back to
// returnTo afterwards.
func (c *Client) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("returnTo", returnTo)
	q.Set("client_id", c.clientID)
	return c.issuer + "/v2/logout?" + q.Encode()
}

// Exchange trades an authorization code for a token record. The id_token is
// verified and its subject becomes the record's UserID.
func (c *Client) Exchange(ctx context.Context, code string) (domain.TokenRecord, error) {
	if code == "" {
		return domain.TokenRecord{}, errors.New("auth: empty authorization code")
	}
	tok, err := c.oauth.Exchange(c.ctx(ctx), code)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("exchange code: %w", err)
	}
	rec := c.record(tok)
	if rec.IDToken == "" {
		return domain.TokenRecord{}, errors.New("auth: token response has no id_token")
	}
	sub, err := c.VerifyIDToken(ctx, rec.IDToken)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	rec.UserID = sub
	return rec, nil
}

// Refresh runs the refresh_token grant. When the server does not rotate the
// refresh token the old one is kept. UserID is left empty for the caller.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenRecord, error) {
	if refreshToken == "" {
		return domain.TokenRecord{}, domain.ErrNoRefreshToken
	}
	// An already expired token forces the source to hit the token endpoint.
	src := c.oauth.TokenSource(c.ctx(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("refresh token: %w", err)
	}
	return c.record(tok), nil
}

// VerifyIDToken checks the signature, issuer, audience and lifetime of an
// id_token and returns its subject.
func (c *Client) VerifyIDToken(ctx context.Context, raw string) (string, error) {
	set, err := jwk.Fetch(ctx, c.issuer+"/.well-known/jwks.json", jwk.WithHTTPClient(c.hc))
	if err != nil {
		return "", fmt.Errorf("fetch jwks: %w", err)
	}
	tok, err := jwt.ParseString(raw,
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.issuer+"/"),
		jwt.WithAudience(c.clientID),
		jwt.WithAcceptableSkew(time.Minute),
		jwt.WithClock(jwt.ClockFunc(c.now)),
	)
	if err != nil {
		return "", fmt.Errorf("verify id_token: %w", err)
	}
	if tok.Subject() == "" {
		return "", errors.New("verify id_token: missing subject")
	}
	return tok.Subject(), nil
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.hc)
}

func (c *Client) record(tok *oauth2.Token) domain.TokenRecord {
	rec := domain.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		ObtainedAt:   c.now().Unix(),
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		rec.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		rec.Scope = v
	}
	return rec
}
