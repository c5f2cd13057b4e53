// Package oauth implements authentication against external identity
// providers. Providers are pluggable; the service reconciles the
// provider's user against local accounts, creating and linking them as
// needed. An OIDC provider backed by go-oidc ships in this package.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// ServiceName is the registration key of the oauth service. Per-provider
// state lives under user.Services["oauth."+provider].
const ServiceName = "oauth"

// ProviderUser is what a provider learns about the authenticated user.
type ProviderUser struct {
	// ID is the provider-scoped stable subject.
	ID       string
	Email    string
	Username string

	// Profile is the raw provider profile, stored on the user's service
	// slot.
	Profile map[string]any
}

// Provider turns provider-specific params (an authorization code, an
// access token) into a ProviderUser.
type Provider interface {
	Name() string
	FetchUser(ctx context.Context, params domain.Params) (*ProviderUser, error)
}

// State is the per-provider blob under user.Services["oauth."+provider].
type State struct {
	ID      string         `json:"id"`
	Email   string         `json:"email,omitempty"`
	Profile map[string]any `json:"profile,omitempty"`
}

// Options configures the service.
type Options struct {
	Providers []Provider
	Logger    *zap.Logger
}

// Service is the oauth authentication service.
type Service struct {
	store     domain.Database
	providers map[string]Provider
	log       *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) *Service {
	s := &Service{
		providers: make(map[string]Provider, len(options.Providers)),
		log:       options.Logger,
	}
	for _, p := range options.Providers {
		s.providers[p.Name()] = p
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *Service) Name() string { return ServiceName }

func (s *Service) Link(deps domain.ServiceDeps) {
	s.store = deps.Store
}

// slot is the service-map key holding a provider's state.
func slot(provider string) string {
	return ServiceName + "." + provider
}

// Authenticate resolves the provider named in params, fetches the
// provider's user, and reconciles it against local accounts: an existing
// link wins, then an email match is linked, then a fresh user is created.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("oauth: authenticate: %w", err)
	}
	if req.Provider == "" {
		return nil, errors.New("oauth: authenticate: a provider is required")
	}
	provider, ok := s.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("oauth: authenticate: unknown provider %q", req.Provider)
	}

	providerUser, err := provider.FetchUser(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("oauth: authenticate: %s: %w", req.Provider, err)
	}
	if providerUser == nil || providerUser.ID == "" {
		return nil, fmt.Errorf("oauth: authenticate: %s returned no subject", req.Provider)
	}

	user, err := s.store.FindUserByServiceID(ctx, slot(req.Provider), providerUser.ID)
	if err != nil {
		return nil, fmt.Errorf("oauth: authenticate: %w", err)
	}
	if user == nil && providerUser.Email != "" {
		// Account linking by verified provider email.
		user, err = s.store.FindUserByEmail(ctx, providerUser.Email)
		if err != nil {
			return nil, fmt.Errorf("oauth: authenticate: %w", err)
		}
	}
	if user == nil {
		userID, err := s.store.CreateUser(ctx, domain.CreateUserFields{
			Username: providerUser.Username,
			Email:    providerUser.Email,
		})
		if err != nil {
			return nil, fmt.Errorf("oauth: authenticate: create user: %w", err)
		}
		user, err = s.store.FindUserByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("oauth: authenticate: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("oauth: authenticate: %w", domain.ErrUserNotFound)
		}
		s.log.Info("user created from oauth profile",
			zap.String("provider", req.Provider),
			zap.String("user_id", userID),
		)
	}

	state, err := json.Marshal(&State{
		ID:      providerUser.ID,
		Email:   providerUser.Email,
		Profile: providerUser.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth: authenticate: %w", err)
	}
	if err := s.store.SetService(ctx, user.ID, slot(req.Provider), domain.JSON(state)); err != nil {
		return nil, fmt.Errorf("oauth: authenticate: %w", err)
	}
	return user, nil
}

// Unlink removes a provider link from the user.
func (s *Service) Unlink(ctx context.Context, userID, provider string) error {
	if _, ok := s.providers[provider]; !ok {
		return fmt.Errorf("oauth: unlink: unknown provider %q", provider)
	}
	if err := s.store.UnsetService(ctx, userID, slot(provider)); err != nil {
		return fmt.Errorf("oauth: unlink: %w", err)
	}
	return nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "authURL":
		var req struct {
			Provider string `json:"provider"`
			State    string `json:"state"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		provider, ok := s.providers[req.Provider]
		if !ok {
			return nil, fmt.Errorf("oauth: unknown provider %q", req.Provider)
		}
		redirecter, ok := provider.(interface{ AuthCodeURL(state string) string })
		if !ok {
			return nil, fmt.Errorf("oauth: provider %q has no authorization URL", req.Provider)
		}
		return map[string]string{"url": redirecter.AuthCodeURL(req.State)}, nil
	case "unlink":
		var req struct {
			UserID   string `json:"user_id"`
			Provider string `json:"provider"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.Unlink(ctx, req.UserID, req.Provider)
	default:
		return nil, fmt.Errorf("oauth: unknown action %q", action)
	}
}
