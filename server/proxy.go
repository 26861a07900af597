package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// ProxyManager forwards requests for configured hosts to backend targets,
// optionally guarded by the session cookie. It is how an application sits
// behind the authenticator without speaking the session JWT itself: the
// verified identity is injected as request headers.
type ProxyManager struct {
	routes    map[string]*proxyRoute
	sessions  *SessionCodec
	loginPath string
	logger    *slog.Logger
}

type proxyRoute struct {
	host           string
	proxy          *httputil.ReverseProxy
	requireAuth    bool
	injectIdentity bool
	stripPrefix    string
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, sessions *SessionCodec, loginPath string, logger *slog.Logger) (*ProxyManager, error) {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	pm := &ProxyManager{
		routes:    make(map[string]*proxyRoute),
		sessions:  sessions,
		loginPath: loginPath,
		logger:    logger,
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.Host, err)
		}
	}

	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if cfg.StripPrefix != "" && strings.HasPrefix(req.URL.Path, cfg.StripPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, cfg.StripPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"host", cfg.Host,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	route := &proxyRoute{
		host:           strings.ToLower(cfg.Host),
		proxy:          proxy,
		requireAuth:    cfg.RequireAuth,
		injectIdentity: cfg.InjectIdentity,
		stripPrefix:    cfg.StripPrefix,
	}

	pm.routes[route.host] = route
	pm.logger.Info("proxy route added",
		"host", cfg.Host,
		"target", cfg.Target,
		"require_auth", cfg.RequireAuth,
	)

	return nil
}

// ServeHTTP routes requests based on the Host header.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(strings.Split(r.Host, ":")[0])

	route, ok := pm.routes[host]
	if !ok {
		pm.logger.Debug("no proxy route for host", "host", host, "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	var identity *Identity
	if route.requireAuth || route.injectIdentity {
		identity = pm.sessions.FromRequest(r)
	}

	if route.requireAuth && identity == nil {
		pm.logger.Debug("no session for proxied request", "host", host, "path", r.URL.Path)
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, loginRedirectURL(pm.loginPath, r.URL.RequestURI()), http.StatusFound)
		return
	}

	// Strip inbound identity headers so clients cannot spoof them.
	for _, h := range identityHeaders {
		r.Header.Del(h)
	}
	if identity != nil && route.injectIdentity {
		r.Header.Set("X-Auth-Subject", identity.Subject)
		if identity.Name != "" {
			r.Header.Set("X-Auth-Name", identity.Name)
		}
		if identity.Email != "" {
			r.Header.Set("X-Auth-Email", identity.Email)
		}
		if len(identity.Roles) > 0 {
			r.Header.Set("X-Auth-Roles", strings.Join(identity.Roles, ","))
		}
		if len(identity.Groups) > 0 {
			r.Header.Set("X-Auth-Groups", strings.Join(identity.Groups, ","))
		}
		r = r.WithContext(WithIdentity(r.Context(), identity))
	}

	route.proxy.ServeHTTP(w, r)
}

var identityHeaders = []string{
	"X-Auth-Subject",
	"X-Auth-Name",
	"X-Auth-Email",
	"X-Auth-Roles",
	"X-Auth-Groups",
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
