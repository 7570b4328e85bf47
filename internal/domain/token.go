// Package domain token.go defines the OAuth token record stored in the cache.
package domain

import "time"

// TokenRecord is the token endpoint response as persisted under a user id.
// The cache stores it as an opaque JSON value; only the application layer
// looks inside.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	UserID       string `json:"userid,omitempty"`
	// ObtainedAt is the unix time the token endpoint issued this record.
	ObtainedAt int64 `json:"obtained_at,omitempty"`
}

// ExpiresAt returns the absolute access token expiry, or the zero time when
// the lifetime is unknown.
func (r TokenRecord) ExpiresAt() time.Time {
	if r.ObtainedAt == 0 {
		return time.Time{}
	}
	return TokenExpiry(time.Unix(r.ObtainedAt, 0), r.ExpiresIn)
}

// Redacted returns a copy safe for display: token strings are shortened to
// a prefix so pages and logs never carry usable credentials.
func (r TokenRecord) Redacted() TokenRecord {
	r.AccessToken = redact(r.AccessToken)
	r.RefreshToken = redact(r.RefreshToken)
	r.IDToken = redact(r.IDToken)
	return r
}

func redact(s string) string {
	const keep = 6
	if s == "" {
		return ""
	}
	if len(s) <= keep {
		return "..."
	}
	return s[:keep] + "..."
}
