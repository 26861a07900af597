package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the capability set the orchestrator needs from
// an identity provider family: build the authorize redirect, exchange a code
// for tokens, validate the id_token, and map the result to an Identity. A
// second provider family is a second implementation, not a branch.
type IdentityProvider interface {
	AuthorizationURL(state, nonce string) string
	Exchange(ctx context.Context, code string) (*TokenSet, error)
	ValidateIDToken(ctx context.Context, rawToken, expectedNonce string) (*ProviderClaims, error)
	ResolveIdentity(ctx context.Context, claims *ProviderClaims, tokens *TokenSet) Identity
}

// EntraProvider implements the flow against Microsoft Entra ID.
type EntraProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	graph       *GraphClient
	cfg         EntraConfig
	logger      *slog.Logger
}

var _ IdentityProvider = (*EntraProvider)(nil)

// NewEntraProvider initializes the provider via OIDC discovery. The issuer
// is derived from the tenant unless explicitly overridden.
func NewEntraProvider(ctx context.Context, cfg EntraConfig, logger *slog.Logger) (*EntraProvider, error) {
	issuer := cfg.Issuer
	if issuer == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("tenant id required")
		}
		issuer = fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", cfg.TenantID)
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}

	verifier := op.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	return &EntraProvider{
		oauthConfig: oauthCfg,
		verifier:    verifier,
		graph:       NewGraphClient(cfg, logger),
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// AuthorizationURL constructs the authorize redirect. No network call.
func (p *EntraProvider) AuthorizationURL(state, nonce string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// Exchange posts the authorization code to the token endpoint. A failed
// exchange terminates the login attempt; it is never retried here.
func (p *EntraProvider) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	set := &TokenSet{
		IDToken:      rawIDToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if v, ok := tok.Extra("expires_in").(float64); ok {
		set.ExpiresIn = int64(v)
	}
	return set, nil
}

// ValidateIDToken verifies the token signature against the provider's
// published key set, its issuer and audience against configured values, and
// then requires an exact nonce match and a non-empty subject.
func (p *EntraProvider) ValidateIDToken(ctx context.Context, rawToken, expectedNonce string) (*ProviderClaims, error) {
	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	if idToken.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}
	if idToken.Subject == "" {
		return nil, ErrMissingSubject
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	return &ProviderClaims{
		Subject:           idToken.Subject,
		Name:              claimString(raw, "name"),
		Email:             claimString(raw, "email"),
		PreferredUsername: claimString(raw, "preferred_username"),
		Nonce:             idToken.Nonce,
		Roles:             claimStringList(raw, "roles"),
		Groups:            claimStringList(raw, "groups"),
		Raw:               raw,
	}, nil
}

// ResolveIdentity maps validated claims to an Identity. Base roles and
// groups come from the id_token itself; when a service principal is
// configured and an access token is on hand, directory lookups add to them.
// The lookups are best-effort, so resolution always succeeds once the
// id_token has been validated.
func (p *EntraProvider) ResolveIdentity(ctx context.Context, claims *ProviderClaims, tokens *TokenSet) Identity {
	email := claims.Email
	if email == "" {
		email = claims.PreferredUsername
	}

	roles := newStringSet(claims.Roles...)
	groups := newStringSet(claims.Groups...)

	if p.cfg.DirectoryRolesEnabled() && tokens != nil && tokens.AccessToken != "" {
		assigned := p.graph.AppRoleAssignments(ctx, tokens.AccessToken)
		roles.Add(assigned.Roles...)

		// Group mapping is a fallback strategy, consulted only when no role
		// came from either the token or the assignment lookup.
		if roles.Len() == 0 && len(p.cfg.GroupRoleMapping) > 0 {
			membership := p.graph.TransitiveGroups(ctx, tokens.AccessToken)
			roles.Add(membership.Roles...)
			groups.Add(membership.Groups...)
		}
	}

	return Identity{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   email,
		Roles:   roles.Values(),
		Groups:  groups.Values(),
	}
}

func claimString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// claimStringList normalizes a claim that providers emit either as a single
// string or as a list.
func claimStringList(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
