// Package app contains the application orchestration layer for tokencache. It
// keeps OAuth token records in the cache keyed by user id and refreshes them
// near expiry without performing any I/O itself.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haukened/tokencache/internal/domain"
)

// DefaultSkew is how long before expiry a token is considered due.
const DefaultSkew = 2 * time.Minute

// MaxSkew caps Skew. A larger skew would mark short-lived tokens due right
// after every refresh.
const MaxSkew = time.Hour

// Service orchestrates login, token lookup and refresh using the injected
// cache, token endpoint and clock.
type Service struct {
	Cache TokenCache
	Auth  TokenExchanger
	API   ResourceAPI // optional; CallAPI fails without it
	Clock Clock
	// Skew refreshes tokens this long before they expire. Zero uses DefaultSkew.
	Skew time.Duration
}

// RefreshReport summarizes one RefreshDue pass.
type RefreshReport struct {
	Checked   int
	Refreshed int
	Skipped   int // due but without a refresh token
	Failed    int
}

// Login exchanges an authorization code and caches the resulting record under
// its user id.
func (s *Service) Login(ctx context.Context, code string) (domain.TokenRecord, error) {
	rec, err := s.Auth.Exchange(ctx, code)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	if rec.UserID == "" {
		return domain.TokenRecord{}, errors.New("token record has no user id")
	}
	s.stamp(&rec)
	if err := s.StoreToken(rec.UserID, rec); err != nil {
		return domain.TokenRecord{}, err
	}
	return rec, nil
}

// StoreToken caches rec under userID.
func (s *Service) StoreToken(userID string, rec domain.TokenRecord) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	rec.UserID = userID
	s.stamp(&rec)
	return s.Cache.Set(userID, rec)
}

// Cached returns the stored record without refreshing it. An absent user
// yields domain.ErrNotAuthenticated.
func (s *Service) Cached(userID string) (domain.TokenRecord, error) {
	raw, err := s.Cache.Get(userID, nil)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	if raw == nil || string(raw) == "null" {
		return domain.TokenRecord{}, domain.ErrNotAuthenticated
	}
	var rec domain.TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.TokenRecord{}, fmt.Errorf("%w: token record for %q: %w", domain.ErrFormat, userID, err)
	}
	return rec, nil
}

// Token returns a usable record for userID, refreshing it first when it is
// within the skew of expiry and a refresh token is available.
func (s *Service) Token(ctx context.Context, userID string) (domain.TokenRecord, error) {
	rec, err := s.Cached(userID)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	if !s.due(rec) || rec.RefreshToken == "" {
		return rec, nil
	}
	return s.refresh(ctx, userID, rec)
}

// Refresh forces the refresh_token grant for userID and stores the result.
func (s *Service) Refresh(ctx context.Context, userID string) (domain.TokenRecord, error) {
	rec, err := s.Cached(userID)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	return s.refresh(ctx, userID, rec)
}

// Forget drops the cached record for userID.
func (s *Service) Forget(userID string) error {
	return s.Cache.Delete(userID)
}

// CallAPI sends req to the resource API with userID's access token,
// refreshing the token first when it is due. A 401 answer with a cached
// refresh token forces one refresh and a single retry. The caller closes the
// response body.
func (s *Service) CallAPI(ctx context.Context, userID string, req domain.APIRequest) (domain.APIResponse, error) {
	if s.API == nil {
		return domain.APIResponse{}, errors.New("resource api not configured")
	}
	rec, err := s.Token(ctx, userID)
	if err != nil {
		return domain.APIResponse{}, err
	}
	req.Path = strings.ReplaceAll(req.Path, domain.UserIDPlaceholder, url.PathEscape(userID))
	resp, err := s.API.Get(ctx, rec.AccessToken, req)
	if err != nil || resp.Status != http.StatusUnauthorized || rec.RefreshToken == "" {
		return resp, err
	}
	_ = resp.Body.Close()
	if rec, err = s.refresh(ctx, userID, rec); err != nil {
		return domain.APIResponse{}, err
	}
	return s.API.Get(ctx, rec.AccessToken, req)
}

// RefreshDue refreshes every cached record that is due. Failures for single
// users are joined into the returned error and do not stop the pass.
func (s *Service) RefreshDue(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	keys, err := s.Cache.Keys()
	if err != nil {
		return report, err
	}
	var errs []error
	for _, userID := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Checked++
		rec, err := s.Cached(userID)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			continue
		}
		if !s.due(rec) {
			continue
		}
		if rec.RefreshToken == "" {
			report.Skipped++
			continue
		}
		if _, err := s.refresh(ctx, userID, rec); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			continue
		}
		report.Refreshed++
	}
	return report, errors.Join(errs...)
}

func (s *Service) refresh(ctx context.Context, userID string, old domain.TokenRecord) (domain.TokenRecord, error) {
	if old.RefreshToken == "" {
		return domain.TokenRecord{}, domain.ErrNoRefreshToken
	}
	rec, err := s.Auth.Refresh(ctx, old.RefreshToken)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	rec.UserID = userID
	if rec.RefreshToken == "" {
		rec.RefreshToken = old.RefreshToken
	}
	if rec.IDToken == "" {
		rec.IDToken = old.IDToken
	}
	if rec.Scope == "" {
		rec.Scope = old.Scope
	}
	s.stamp(&rec)
	if err := s.StoreToken(userID, rec); err != nil {
		return domain.TokenRecord{}, err
	}
	return rec, nil
}

func (s *Service) due(rec domain.TokenRecord) bool {
	skew := s.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	skew = domain.ClampSkew(skew, 0, MaxSkew)
	return domain.NeedsRefresh(rec.ExpiresAt(), s.Clock.Now(), skew)
}

func (s *Service) stamp(rec *domain.TokenRecord) {
	if rec.ObtainedAt == 0 {
		rec.ObtainedAt = s.Clock.Now().Unix()
	}
}
