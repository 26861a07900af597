package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/auth/login", a.handleLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Get("/auth/logout", a.handleLogout)
	r.Get("/auth/session", a.handleSession)

	if a.Proxy != nil {
		r.NotFound(a.Proxy.ServeHTTP)
	}

	return r
}
