package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Anti-forgery cookies correlate the two round trips of a login attempt.
// Each attempt carries its own values, so concurrent attempts never share
// server state; abandoned attempts self-clean when the cookies expire.
const (
	stateCookieName    = "ajp_identity_state"
	nonceCookieName    = "ajp_identity_nonce"
	redirectCookieName = "ajp_identity_redirect"

	attemptCookieMaxAge = 300 // seconds
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Provider IdentityProvider
	Sessions *SessionCodec
	Proxy    *ProxyManager
}

// NewApp wires together the application state from configuration. Provider
// construction performs OIDC discovery against the configured issuer.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	sessions, err := NewSessionCodec(cfg.Session)
	if err != nil {
		return nil, err
	}

	provider, err := NewEntraProvider(ctx, cfg.Provider.Entra, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Sessions: sessions,
	}

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, sessions, cfg.Server.LoginPath, logger)
		if err != nil {
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		app.Proxy = proxy
	}

	return app, nil
}

// handleLogin begins a login attempt: it generates fresh state and nonce
// values, remembers an optional same-origin redirect target, and sends the
// browser to the provider's authorize endpoint.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := newAttemptToken()
	if err != nil {
		a.Logger.Error("generate state", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	nonce, err := newAttemptToken()
	if err != nil {
		a.Logger.Error("generate nonce", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	setAttemptCookie(w, stateCookieName, state)
	setAttemptCookie(w, nonceCookieName, nonce)
	if target := r.URL.Query().Get("redirect"); isSafeRedirect(target) {
		setAttemptCookie(w, redirectCookieName, target)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, a.Provider.AuthorizationURL(state, nonce), http.StatusFound)
}

// handleCallback completes the login attempt. The state cookie must match
// the query parameter exactly before any provider call is made; a mismatch
// is treated as a potential forgery, not merely a bad request.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		a.failAuth(w, http.StatusBadRequest, ErrMissingParameter)
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value != state {
		a.failAuth(w, http.StatusBadRequest, ErrStateMismatch)
		return
	}

	nonceCookie, err := r.Cookie(nonceCookieName)
	if err != nil || nonceCookie.Value == "" {
		a.failAuth(w, http.StatusBadRequest, ErrMissingNonce)
		return
	}

	ctx := r.Context()
	tokens, err := a.Provider.Exchange(ctx, code)
	if err != nil {
		a.Logger.Error("exchange failed", "error", err)
		a.failAuth(w, http.StatusInternalServerError, fmt.Errorf("authentication failed: %w", err))
		return
	}

	claims, err := a.Provider.ValidateIDToken(ctx, tokens.IDToken, nonceCookie.Value)
	if err != nil {
		a.Logger.Error("id_token validation failed", "error", err)
		a.failAuth(w, http.StatusInternalServerError, fmt.Errorf("authentication failed: %w", err))
		return
	}

	identity := a.Provider.ResolveIdentity(ctx, claims, tokens)

	sessionCookie, err := a.Sessions.Mint(identity, 0)
	if err != nil {
		a.Logger.Error("session mint failed", "error", err)
		a.failAuth(w, http.StatusInternalServerError, fmt.Errorf("authentication failed: %w", err))
		return
	}

	target := a.Config.Server.PostLoginPath
	if redirectCookie, err := r.Cookie(redirectCookieName); err == nil && isSafeRedirect(redirectCookie.Value) {
		target = redirectCookie.Value
	}

	http.SetCookie(w, sessionCookie)
	clearAttemptCookies(w)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)

	a.Logger.Info("login completed", "subject", identity.Subject)
}

// handleLogout clears the session and anti-forgery cookies unconditionally.
// It never validates the current session; logging out without one succeeds.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	target := a.Config.Server.LoginPath
	if v := r.URL.Query().Get("redirect"); isSafeRedirect(v) {
		target = v
	}

	http.SetCookie(w, a.Sessions.Empty())
	clearAttemptCookies(w)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// handleSession reports the identity carried by the session cookie, or null.
// It never redirects and never fails; an invalid or absent session is the
// same determinate answer.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := a.Sessions.FromRequest(r)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]*Identity{"user": identity})
}

// failAuth writes the error response and invalidates the attempt cookies so
// a failed callback leaves nothing behind to replay.
func (a *App) failAuth(w http.ResponseWriter, status int, err error) {
	clearAttemptCookies(w)
	if status >= http.StatusInternalServerError {
		http.Error(w, err.Error(), status)
		return
	}
	switch {
	case errors.Is(err, ErrStateMismatch):
		http.Error(w, "invalid state", status)
	case errors.Is(err, ErrMissingNonce):
		http.Error(w, "missing nonce", status)
	default:
		http.Error(w, "missing code or state", status)
	}
}

func setAttemptCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   attemptCookieMaxAge,
	})
}

func clearAttemptCookies(w http.ResponseWriter) {
	for _, name := range []string{stateCookieName, nonceCookieName, redirectCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

// newAttemptToken returns 128 bits of cryptographic randomness, hex encoded.
func newAttemptToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// isSafeRedirect accepts only same-origin relative paths. Protocol-relative
// and absolute URLs are rejected to prevent open-redirect abuse.
func isSafeRedirect(target string) bool {
	return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
