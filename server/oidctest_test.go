package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const (
	testKeyID    = "test-key"
	testClientID = "client-123"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIDP is a stub OpenID provider: discovery document, JWKS, and a token
// endpoint whose behaviour tests can steer.
type fakeIDP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	tokenCalls    int
	tokenStatus   int
	omitIDToken   bool
	idTokenClaims map[string]any
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	f := &fakeIDP{
		t:           t,
		key:         key,
		tokenStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/keys", f.handleJWKS)
	mux.HandleFunc("/token", f.handleToken)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIDP) issuer() string { return f.srv.URL }

func (f *fakeIDP) setIDTokenClaims(claims map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idTokenClaims = claims
}

func (f *fakeIDP) setTokenStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
}

func (f *fakeIDP) setOmitIDToken(omit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.omitIDToken = omit
}

func (f *fakeIDP) tokenEndpointCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeIDP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                f.srv.URL,
		"authorization_endpoint":                f.srv.URL + "/authorize",
		"token_endpoint":                        f.srv.URL + "/token",
		"jwks_uri":                              f.srv.URL + "/keys",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (f *fakeIDP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keySet := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       f.key.Public(),
		KeyID:     testKeyID,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(keySet)
}

func (f *fakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	status := f.tokenStatus
	omit := f.omitIDToken
	claims := f.idTokenClaims
	f.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, `{"error":"server_error"}`, status)
		return
	}

	resp := map[string]any{
		"access_token": "at-12345",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omit {
		resp["id_token"] = f.signIDToken(claims)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// signIDToken issues an id_token with sane defaults merged under the given
// claims, signed by the provider key the JWKS endpoint publishes.
func (f *fakeIDP) signIDToken(claims map[string]any) string {
	f.t.Helper()

	now := time.Now()
	payload := map[string]any{
		"iss": f.srv.URL,
		"aud": testClientID,
		"sub": "test-subject",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		payload[k] = v
	}

	b, err := json.Marshal(payload)
	if err != nil {
		f.t.Fatalf("marshal id_token claims: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
		(&jose.SignerOptions{}).WithHeader("kid", testKeyID).WithType("JWT"),
	)
	if err != nil {
		f.t.Fatalf("create signer: %v", err)
	}

	obj, err := signer.Sign(b)
	if err != nil {
		f.t.Fatalf("sign id_token: %v", err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		f.t.Fatalf("serialize id_token: %v", err)
	}
	return raw
}

func (f *fakeIDP) entraConfig() EntraConfig {
	return EntraConfig{
		Issuer:       f.issuer(),
		ClientID:     testClientID,
		ClientSecret: "client-secret",
		RedirectURI:  "http://app.test/auth/callback",
		Scopes:       []string{"openid", "profile", "email"},
	}
}

func newTestProvider(t *testing.T, cfg EntraConfig) *EntraProvider {
	t.Helper()
	provider, err := NewEntraProvider(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEntraProvider: %v", err)
	}
	return provider
}
