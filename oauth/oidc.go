package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/getaccounts/accounts/domain"
)

// OIDCConfig describes one OpenID Connect provider.
type OIDCConfig struct {
	// Name registers the provider; it becomes the service slot suffix,
	// so renaming it orphans existing links.
	Name string

	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to openid, profile, email.
	Scopes []string
}

// OIDCProvider authenticates through the authorization-code flow of an
// OpenID Connect issuer. The issuer's discovery document supplies the
// endpoints and signing keys.
type OIDCProvider struct {
	name     string
	provider *oidc.Provider
	config   *oauth2.Config
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider runs discovery against the issuer.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("oauth: oidc: a provider name is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oauth: oidc: discover %s: %w", cfg.Issuer, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &OIDCProvider{
		name:     cfg.Name,
		provider: provider,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

// AuthCodeURL builds the issuer's authorization URL for the given state.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// FetchUser exchanges the authorization code and verifies the id_token,
// mapping its claims onto a ProviderUser.
func (p *OIDCProvider) FetchUser(ctx context.Context, params domain.Params) (*ProviderUser, error) {
	var req struct {
		Code string `json:"code"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, errors.New("an authorization code is required")
	}

	token, err := p.config.Exchange(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("no id_token in token response")
	}

	verifier := p.provider.Verifier(&oidc.Config{ClientID: p.config.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	email, _ := claims["email"].(string)
	username, _ := claims["preferred_username"].(string)
	return &ProviderUser{
		ID:       idToken.Subject,
		Email:    email,
		Username: username,
		Profile:  claims,
	}, nil
}
