package httpx

import (
	"errors"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Cookie names.
const (
	SessionCookie = "tokencache_session"
	StateCookie   = "tokencache_state"
)

// DefaultSessionTTL bounds how long a browser stays logged in.
const DefaultSessionTTL = 7 * 24 * time.Hour

// MinSessionKeyLen is the shortest accepted signing key.
const MinSessionKeyLen = 16

// sessionIssuer keeps session tokens apart from other HS256 tokens signed
// with the same secret.
const sessionIssuer = "tokencache"

// Sessions issues and verifies the session cookie, an HS256 JWT whose claims
// are only the user id (sub) and an expiry. The token record itself stays in
// the encrypted cache.
type Sessions struct {
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	Secure bool // set the Secure attribute on cookies
}

// NewSessions returns a signer for key. ttl <= 0 uses DefaultSessionTTL.
func NewSessions(key string, ttl time.Duration) (*Sessions, error) {
	if len(key) < MinSessionKeyLen {
		return nil, errors.New("session key too short")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

// Issue sets a session cookie for userID.
func (s *Sessions) Issue(w http.ResponseWriter, userID string) error {
	exp := s.now().Add(s.ttl)
	v, err := s.encode(userID, exp)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    v,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// UserID returns the user of a valid, unexpired session cookie.
func (s *Sessions) UserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	return s.decode(c.Value)
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) encode(userID string, exp time.Time) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(sessionIssuer).
		Subject(userID).
		IssuedAt(s.now()).
		Expiration(exp).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// decode verifies signature, issuer and expiry against the session clock.
func (s *Sessions) decode(v string) (string, bool) {
	tok, err := jwt.ParseString(v,
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil || tok.Subject() == "" {
		return "", false
	}
	return tok.Subject(), true
}
