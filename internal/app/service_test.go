package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haukened/tokencache/internal/domain"
)

// fixedClock implements Clock returning a fixed instant.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// memCache implements TokenCache over a map.
type memCache struct {
	mu     sync.Mutex
	m      map[string]json.RawMessage
	getErr error
	setErr error
	sets   int
}

func newMemCache() *memCache { return &memCache{m: map[string]json.RawMessage{}} }

func (c *memCache) Get(key string, def json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	if v, ok := c.m[key]; ok {
		return v, nil
	}
	return def, nil
}

func (c *memCache) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.m[key] = raw
	c.sets++
	return nil
}

func (c *memCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrKeyNotFound, key)
	}
	delete(c.m, key)
	return nil
}

func (c *memCache) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memCache) record(t *testing.T, key string) domain.TokenRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var rec domain.TokenRecord
	if err := json.Unmarshal(c.m[key], &rec); err != nil {
		t.Fatalf("decode cached %q: %v", key, err)
	}
	return rec
}

// fakeExchanger implements TokenExchanger.
type fakeExchanger struct {
	exchangeRec domain.TokenRecord
	exchangeErr error
	refreshRec  domain.TokenRecord
	refreshErr  map[string]error
	refreshed   []string
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (domain.TokenRecord, error) {
	return f.exchangeRec, f.exchangeErr
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (domain.TokenRecord, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	if err := f.refreshErr[refreshToken]; err != nil {
		return domain.TokenRecord{}, err
	}
	return f.refreshRec, nil
}

var t0 = time.Unix(1700000000, 0)

func newService(c *memCache, ex *fakeExchanger) *Service {
	return &Service{Cache: c, Auth: ex, Clock: fixedClock{now: t0}, Skew: time.Minute}
}

func TestLoginCachesRecord(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{exchangeRec: domain.TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresIn: 600, UserID: "u1"}}
	svc := newService(c, ex)

	rec, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if rec.ObtainedAt != t0.Unix() {
		t.Fatalf("obtained_at not stamped: %d", rec.ObtainedAt)
	}
	got := c.record(t, "u1")
	if got != rec {
		t.Fatalf("cached %+v, want %+v", got, rec)
	}
}

func TestLoginErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := newService(newMemCache(), &fakeExchanger{exchangeErr: boom})
	if _, err := svc.Login(context.Background(), "code"); !errors.Is(err, boom) {
		t.Fatalf("expected exchange error, got %v", err)
	}

	svc = newService(newMemCache(), &fakeExchanger{exchangeRec: domain.TokenRecord{AccessToken: "a"}})
	if _, err := svc.Login(context.Background(), "code"); err == nil {
		t.Fatalf("expected error for record without user id")
	}

	c := newMemCache()
	c.setErr = domain.ErrStorage
	svc = newService(c, &fakeExchanger{exchangeRec: domain.TokenRecord{AccessToken: "a", UserID: "u1"}})
	if _, err := svc.Login(context.Background(), "code"); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestStoreTokenAndCached(t *testing.T) {
	c := newMemCache()
	svc := newService(c, &fakeExchanger{})
	if err := svc.StoreToken("", domain.TokenRecord{}); err == nil {
		t.Fatalf("expected error for empty user id")
	}
	if err := svc.StoreToken("u1", domain.TokenRecord{AccessToken: "a"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
	rec, err := svc.Cached("u1")
	if err != nil {
		t.Fatalf("Cached: %v", err)
	}
	if rec.UserID != "u1" || rec.AccessToken != "a" || rec.ObtainedAt != t0.Unix() {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCachedMissingAndMalformed(t *testing.T) {
	c := newMemCache()
	svc := newService(c, &fakeExchanger{})
	if _, err := svc.Cached("nobody"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	c.m["u1"] = json.RawMessage(`"not a record"`)
	if _, err := svc.Cached("u1"); !errors.Is(err, domain.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
	c.getErr = domain.ErrDecryption
	if _, err := svc.Cached("u1"); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestTokenFreshIsNotRefreshed(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{}
	svc := newService(c, ex)
	fresh := domain.TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresIn: 600, ObtainedAt: t0.Unix()}
	_ = c.Set("u1", fresh)

	rec, err := svc.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if rec.AccessToken != "a" || len(ex.refreshed) != 0 {
		t.Fatalf("fresh token should be returned as is, refreshed=%v", ex.refreshed)
	}
}

func TestTokenDueIsRefreshed(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{refreshRec: domain.TokenRecord{AccessToken: "a2", ExpiresIn: 1200}}
	svc := newService(c, ex)
	stale := domain.TokenRecord{
		AccessToken: "a1", RefreshToken: "r1", IDToken: "id", ExpiresIn: 600,
		ObtainedAt: t0.Add(-10 * time.Minute).Unix(), UserID: "u1",
	}
	_ = c.Set("u1", stale)

	rec, err := svc.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if rec.AccessToken != "a2" {
		t.Fatalf("expected refreshed access token, got %q", rec.AccessToken)
	}
	if rec.RefreshToken != "r1" || rec.IDToken != "id" || rec.UserID != "u1" {
		t.Fatalf("carry-over fields lost: %+v", rec)
	}
	if rec.ObtainedAt != t0.Unix() {
		t.Fatalf("obtained_at not restamped: %d", rec.ObtainedAt)
	}
	if got := c.record(t, "u1"); got != rec {
		t.Fatalf("refreshed record not cached: %+v", got)
	}
}

func TestTokenDueWithoutRefreshTokenReturnsCached(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{}
	svc := newService(c, ex)
	_ = c.Set("u1", domain.TokenRecord{AccessToken: "a1", ExpiresIn: 60, ObtainedAt: t0.Add(-time.Hour).Unix()})
	rec, err := svc.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if rec.AccessToken != "a1" || len(ex.refreshed) != 0 {
		t.Fatalf("unexpected refresh for record without refresh token")
	}
}

func TestRefreshForced(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{refreshRec: domain.TokenRecord{AccessToken: "a2", RefreshToken: "r2"}}
	svc := newService(c, ex)

	if _, err := svc.Refresh(context.Background(), "u1"); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	_ = c.Set("u1", domain.TokenRecord{AccessToken: "a1"})
	if _, err := svc.Refresh(context.Background(), "u1"); !errors.Is(err, domain.ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	_ = c.Set("u1", domain.TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 3600, ObtainedAt: t0.Unix()})
	rec, err := svc.Refresh(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.RefreshToken != "r2" {
		t.Fatalf("rotated refresh token not stored: %+v", rec)
	}
}

func TestForget(t *testing.T) {
	c := newMemCache()
	svc := newService(c, &fakeExchanger{})
	_ = c.Set("u1", domain.TokenRecord{AccessToken: "a"})
	if err := svc.Forget("u1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := svc.Forget("u1"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRefreshDue(t *testing.T) {
	c := newMemCache()
	boom := errors.New("invalid_grant")
	ex := &fakeExchanger{
		refreshRec: domain.TokenRecord{AccessToken: "new", ExpiresIn: 1200},
		refreshErr: map[string]error{"r-bad": boom},
	}
	svc := newService(c, ex)
	old := t0.Add(-time.Hour).Unix()
	_ = c.Set("due", domain.TokenRecord{AccessToken: "a", RefreshToken: "r-ok", ExpiresIn: 600, ObtainedAt: old})
	_ = c.Set("fresh", domain.TokenRecord{AccessToken: "a", RefreshToken: "r-fresh", ExpiresIn: 3600, ObtainedAt: t0.Unix()})
	_ = c.Set("no-refresh", domain.TokenRecord{AccessToken: "a", ExpiresIn: 600, ObtainedAt: old})
	_ = c.Set("revoked", domain.TokenRecord{AccessToken: "a", RefreshToken: "r-bad", ExpiresIn: 600, ObtainedAt: old})
	c.m["junk"] = json.RawMessage(`[1]`)

	report, err := svc.RefreshDue(context.Background())
	if !errors.Is(err, boom) || !errors.Is(err, domain.ErrFormat) {
		t.Fatalf("expected joined refresh and format errors, got %v", err)
	}
	want := RefreshReport{Checked: 5, Refreshed: 1, Skipped: 1, Failed: 2}
	if report != want {
		t.Fatalf("report %+v, want %+v", report, want)
	}
	if got := c.record(t, "due"); got.AccessToken != "new" {
		t.Fatalf("due record not refreshed: %+v", got)
	}
	if got := c.record(t, "fresh"); got.AccessToken != "a" {
		t.Fatalf("fresh record should be untouched: %+v", got)
	}
}

func TestRefreshDueCanceled(t *testing.T) {
	c := newMemCache()
	svc := newService(c, &fakeExchanger{})
	_ = c.Set("u1", domain.TokenRecord{AccessToken: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := svc.RefreshDue(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Checked != 0 {
		t.Fatalf("no record should be checked after cancel: %+v", report)
	}
}

func TestDefaultSkew(t *testing.T) {
	svc := &Service{Clock: fixedClock{now: t0}}
	rec := domain.TokenRecord{ExpiresIn: 60, ObtainedAt: t0.Unix()}
	if !svc.due(rec) {
		t.Fatalf("token expiring within DefaultSkew must be due")
	}
}

func TestSkewIsCapped(t *testing.T) {
	svc := &Service{Clock: fixedClock{now: t0}, Skew: 24 * time.Hour}
	fresh := domain.TokenRecord{ExpiresIn: 7200, ObtainedAt: t0.Unix()}
	if svc.due(fresh) {
		t.Fatalf("a two hour token must not be due with skew capped at %s", MaxSkew)
	}
	soon := domain.TokenRecord{ExpiresIn: 1800, ObtainedAt: t0.Unix()}
	if !svc.due(soon) {
		t.Fatalf("a token expiring within MaxSkew must be due")
	}
}

func TestLoginStoresUnderRecordUserID(t *testing.T) {
	c := newMemCache()
	ex := &fakeExchanger{exchangeRec: domain.TokenRecord{AccessToken: "a", UserID: "auth0|u2"}}
	svc := newService(c, ex)
	if _, err := svc.Login(context.Background(), "code"); err != nil {
		t.Fatalf("Login error: %v", err)
	}
	keys, _ := c.Keys()
	if len(keys) != 1 || keys[0] != "auth0|u2" {
		t.Fatalf("keys = %v", keys)
	}
	if got := c.record(t, "auth0|u2"); got.UserID != "auth0|u2" || got.ObtainedAt != t0.Unix() {
		t.Fatalf("cached %+v", got)
	}
}

// fakeAPI implements ResourceAPI, answering with statuses in order.
type fakeAPI struct {
	statuses []int
	err      error
	tokens   []string
	paths    []string
}

func (f *fakeAPI) Get(_ context.Context, accessToken string, req domain.APIRequest) (domain.APIResponse, error) {
	f.tokens = append(f.tokens, accessToken)
	f.paths = append(f.paths, req.Path)
	if f.err != nil {
		return domain.APIResponse{}, f.err
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return domain.APIResponse{Status: status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func seed(t *testing.T, c *memCache, userID string, rec domain.TokenRecord) {
	t.Helper()
	if err := c.Set(userID, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCallAPIUsesCachedToken(t *testing.T) {
	c := newMemCache()
	seed(t, c, "auth0|u1", domain.TokenRecord{AccessToken: "a1", ExpiresIn: 3600, ObtainedAt: t0.Unix()})
	api := &fakeAPI{statuses: []int{http.StatusOK}}
	svc := newService(c, &fakeExchanger{})
	svc.API = api

	resp, err := svc.CallAPI(context.Background(), "auth0|u1", domain.APIRequest{Path: "/users/{userid}/accounts"})
	if err != nil {
		t.Fatalf("CallAPI: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if len(api.tokens) != 1 || api.tokens[0] != "a1" {
		t.Fatalf("tokens = %v", api.tokens)
	}
	if api.paths[0] != "/users/auth0%7Cu1/accounts" {
		t.Fatalf("path = %q", api.paths[0])
	}
}

func TestCallAPIRetriesAfterUnauthorized(t *testing.T) {
	c := newMemCache()
	seed(t, c, "u1", domain.TokenRecord{AccessToken: "stale", RefreshToken: "r1", ExpiresIn: 3600, ObtainedAt: t0.Unix()})
	ex := &fakeExchanger{refreshRec: domain.TokenRecord{AccessToken: "fresh", ExpiresIn: 3600}}
	api := &fakeAPI{statuses: []int{http.StatusUnauthorized, http.StatusOK}}
	svc := newService(c, ex)
	svc.API = api

	resp, err := svc.CallAPI(context.Background(), "u1", domain.APIRequest{Path: "/data/quote/AAPL"})
	if err != nil {
		t.Fatalf("CallAPI: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if strings.Join(api.tokens, ",") != "stale,fresh" {
		t.Fatalf("tokens = %v", api.tokens)
	}
	if got := c.record(t, "u1"); got.AccessToken != "fresh" || got.RefreshToken != "r1" {
		t.Fatalf("cached %+v", got)
	}
}

func TestCallAPIUnauthorizedWithoutRefreshToken(t *testing.T) {
	c := newMemCache()
	seed(t, c, "u1", domain.TokenRecord{AccessToken: "a1"})
	api := &fakeAPI{statuses: []int{http.StatusUnauthorized}}
	ex := &fakeExchanger{}
	svc := newService(c, ex)
	svc.API = api

	resp, err := svc.CallAPI(context.Background(), "u1", domain.APIRequest{Path: "/data"})
	if err != nil {
		t.Fatalf("CallAPI: %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusUnauthorized || len(api.tokens) != 1 || len(ex.refreshed) != 0 {
		t.Fatalf("status=%d calls=%d refreshed=%v", resp.Status, len(api.tokens), ex.refreshed)
	}
}

func TestCallAPIErrors(t *testing.T) {
	c := newMemCache()
	svc := newService(c, &fakeExchanger{})
	if _, err := svc.CallAPI(context.Background(), "u1", domain.APIRequest{Path: "/data"}); err == nil {
		t.Fatalf("expected error without an API")
	}

	svc.API = &fakeAPI{statuses: []int{http.StatusOK}}
	_, err := svc.CallAPI(context.Background(), "nobody", domain.APIRequest{Path: "/data"})
	if !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	seed(t, c, "u1", domain.TokenRecord{AccessToken: "a1"})
	svc.API = &fakeAPI{err: domain.ErrUpstream}
	_, err = svc.CallAPI(context.Background(), "u1", domain.APIRequest{Path: "/data"})
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}
