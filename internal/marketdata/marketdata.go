// Package marketdata calls the resource API that cached access tokens are
// issued for. Requests are GETs restricted to the configured live or
// simulation base URL; the access token travels as a bearer header through
// an oauth2 transport, never in the query string.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/haukened/tokencache/internal/domain"
)

// Config names the API hosts. A value that already carries a scheme is used
// as is, otherwise https is assumed.
type Config struct {
	Domain     string
	SimDomain  string       // optional simulation API
	HTTPClient *http.Client // optional base client; streams need no Timeout
}

// Example is a ready-made request shown to logged-in users.
type Example struct {
	Label string
	Path  string
}

// Examples covers the account, symbol list, quote and stream endpoints.
var Examples = []Example{
	{"Get Accounts", "/users/" + domain.UserIDPlaceholder + "/accounts"},
	{"Get All Symbol Lists", "/data/symbollists"},
	{"Get Symbols in Symbol List", "/data/symbollists/SP500/symbols"},
	{"Get Quote for AAPL", "/data/quote/AAPL"},
	{"Get Quote for TSLA", "/data/quote/TSLA"},
	{"Search for Symbols", "/data/symbols/suggest/Alcoa"},
	{"Get Snapshot Stream for AMZN", "/stream/quote/snapshots/AMZN"},
	{"Get Snapshot Stream for @ES", "/stream/quote/snapshots/@ES"},
	{"Stream BarChart - Days Back", "/stream/barchart/AMZN/5/Minute?SessionTemplate=USEQPreAndPost&daysBack=1"},
}

// Client sends authenticated GETs to the API.
type Client struct {
	live *url.URL
	sim  *url.URL
	hc   *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("marketdata: api domain is required")
	}
	live, err := parseBase(cfg.Domain)
	if err != nil {
		return nil, err
	}
	c := &Client{live: live, hc: cfg.HTTPClient}
	if cfg.SimDomain != "" {
		if c.sim, err = parseBase(cfg.SimDomain); err != nil {
			return nil, err
		}
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	return c, nil
}

func parseBase(domain string) (*url.URL, error) {
	raw := strings.TrimSuffix(domain, "/")
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("marketdata: invalid api domain %q: %w", domain, err)
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("marketdata: invalid api domain %q", domain)
	}
	return u, nil
}

// Resolve returns the absolute URL for req. Only absolute paths below the
// base URL are accepted: no scheme, host, user info or dot segments. An
// access_token query parameter is dropped since the token goes in a header.
func (c *Client) Resolve(req domain.APIRequest) (*url.URL, error) {
	base := c.live
	if req.Sim {
		if c.sim == nil {
			return nil, fmt.Errorf("%w: no simulation api configured", domain.ErrAPIPath)
		}
		base = c.sim
	}
	if !strings.HasPrefix(req.Path, "/") || strings.HasPrefix(req.Path, "//") || strings.Contains(req.Path, `\`) {
		return nil, fmt.Errorf("%w: %q must be an absolute path", domain.ErrAPIPath, req.Path)
	}
	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAPIPath, err)
	}
	if ref.Scheme != "" || ref.Host != "" || ref.User != nil {
		return nil, fmt.Errorf("%w: %q names another host", domain.ErrAPIPath, req.Path)
	}
	for _, seg := range strings.Split(ref.Path, "/") {
		if seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: %q contains dot segments", domain.ErrAPIPath, req.Path)
		}
	}

	out := *base
	out.Path = strings.TrimSuffix(base.Path, "/") + ref.Path
	out.RawPath = ""
	out.RawQuery = ""
	out.Fragment = ""
	if ref.RawQuery != "" {
		q := ref.Query()
		q.Del("access_token")
		out.RawQuery = q.Encode()
	}
	return &out, nil
}

// Get sends req with accessToken. Any HTTP status is returned as a response;
// only transport failures are errors (wrapping domain.ErrUpstream).
func (c *Client) Get(ctx context.Context, accessToken string, req domain.APIRequest) (domain.APIResponse, error) {
	target, err := c.Resolve(req)
	if err != nil {
		return domain.APIResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return domain.APIResponse{}, fmt.Errorf("%w: %w", domain.ErrAPIPath, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.hc.Transport,
		},
		CheckRedirect: sameHost(target.Host),
		Timeout:       c.hc.Timeout,
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return domain.APIResponse{}, fmt.Errorf("%w: %s %s: %w", domain.ErrUpstream, httpReq.Method, target.Path, err)
	}
	return domain.APIResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

// sameHost stops redirects that would carry the bearer token elsewhere.
func sameHost(host string) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if req.URL.Host != host {
			return fmt.Errorf("%w: redirect to %s", domain.ErrAPIPath, req.URL.Host)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
}
