package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload of the signed session token. The userId,
// issuedAt and expiresAt fields mirror the registered sub/iat/exp claims so
// clients decoding the payload see the same values the verifier enforces.
type SessionClaims struct {
	UserID    string   `json:"userId"`
	Name      string   `json:"name,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	IssuedAt  int64    `json:"issuedAt,omitempty"`
	ExpiresAt int64    `json:"expiresAt,omitempty"`
	jwt.RegisteredClaims
}

// SessionCodec mints and verifies the stateless session cookie. Sessions are
// HMAC-signed JWTs held entirely by the client; there is no server-side
// store, so revocation before expiry is not possible.
type SessionCodec struct {
	secret     []byte
	cookieName string
	ttl        time.Duration

	// now is swapped out in tests to control clock-dependent behaviour.
	now func() time.Time
}

// NewSessionCodec constructs a codec. The signing secret is required.
func NewSessionCodec(cfg SessionConfig) (*SessionCodec, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	return &SessionCodec{
		secret:     []byte(cfg.Secret),
		cookieName: cookieName,
		ttl:        cfg.TTL(),
		now:        time.Now,
	}, nil
}

// CookieName returns the configured session cookie name.
func (sc *SessionCodec) CookieName() string { return sc.cookieName }

// Mint signs a session cookie for the identity. A zero ttl uses the
// configured default lifetime.
func (sc *SessionCodec) Mint(identity Identity, ttl time.Duration) (*http.Cookie, error) {
	if ttl <= 0 {
		ttl = sc.ttl
	}
	issuedAt := sc.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := SessionClaims{
		UserID:    identity.Subject,
		Name:      identity.Name,
		Email:     identity.Email,
		Roles:     identity.Roles,
		Groups:    identity.Groups,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: expiresAt.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sc.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	return sc.cookie(token, int(ttl.Seconds())), nil
}

// Verify checks the token signature, expiry, and structure. Any failure
// yields nil rather than an error: a tampered or stale session cookie is
// operationally indistinguishable from not being logged in.
func (sc *SessionCodec) Verify(token string) *Identity {
	if token == "" {
		return nil
	}

	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		return sc.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(sc.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || claims.UserID == "" {
		return nil
	}

	return &Identity{
		Subject: claims.UserID,
		Name:    claims.Name,
		Email:   claims.Email,
		Roles:   claims.Roles,
		Groups:  claims.Groups,
	}
}

// FromRequest verifies the session cookie carried by an inbound request.
func (sc *SessionCodec) FromRequest(r *http.Request) *Identity {
	cookie, err := r.Cookie(sc.cookieName)
	if err != nil {
		return nil
	}
	return sc.Verify(cookie.Value)
}

// Empty returns a cookie that instructs the client to discard its session.
func (sc *SessionCodec) Empty() *http.Cookie {
	return sc.cookie("", 0)
}

func (sc *SessionCodec) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     sc.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
	if maxAge <= 0 {
		// MaxAge 0 would omit the attribute entirely; -1 emits Max-Age=0
		// which tells the browser to drop the cookie now.
		c.MaxAge = -1
	}
	return c
}
