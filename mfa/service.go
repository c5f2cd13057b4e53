package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/getaccounts/accounts/domain"
)

// ServiceName is the registration key of the second-factor login service.
const ServiceName = "mfa"

// Service completes a challenged login. It trades a pending challenge
// plus the factor's proof for the user, who is then routed through the
// server's normal login funnel. On success the challenge is consumed and
// a first-use authenticator becomes active.
type Service struct {
	coordinator *Mfa
	store       domain.Database
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(coordinator *Mfa) *Service {
	return &Service{coordinator: coordinator}
}

func (s *Service) Name() string { return ServiceName }

func (s *Service) Link(deps domain.ServiceDeps) {
	s.store = deps.Store
}

func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		MfaToken string `json:"mfa_token"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", err)
	}
	if req.MfaToken == "" {
		return nil, errors.New("mfa: authenticate: an mfa token is required")
	}

	challenge, err := s.store.FindMfaChallengeByToken(ctx, req.MfaToken)
	if err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", err)
	}
	if !challengeValid(challenge) {
		return nil, fmt.Errorf("mfa: authenticate: %w", domain.ErrTokenNotFound)
	}
	if challenge.AuthenticatorID == "" {
		return nil, errors.New("mfa: authenticate: no authenticator attached to the challenge")
	}

	authenticator, err := s.store.FindAuthenticatorByID(ctx, challenge.AuthenticatorID)
	if err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", err)
	}
	if authenticator == nil {
		return nil, errors.New("mfa: authenticate: authenticator not found")
	}
	if authenticator.UserID != challenge.UserID {
		return nil, fmt.Errorf("mfa: authenticate: %w", domain.ErrNotAuthorized)
	}

	factor, ok := s.coordinator.factors[authenticator.Type]
	if !ok {
		return nil, fmt.Errorf("mfa: authenticate: no factor registered for type %q", authenticator.Type)
	}
	verified, err := factor.Authenticate(ctx, authenticator, params)
	if err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %s: %w", authenticator.Type, err)
	}
	if !verified {
		return nil, fmt.Errorf("mfa: authenticate: %w", domain.ErrInvalidCredentials)
	}

	if err := s.store.DeactivateMfaChallenge(ctx, challenge.ID); err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", err)
	}
	if !authenticator.Active {
		// First successful use confirms the enrollment.
		if err := s.store.ActivateAuthenticator(ctx, authenticator.ID); err != nil {
			return nil, fmt.Errorf("mfa: authenticate: %w", err)
		}
	}

	user, err := s.store.FindUserByID(ctx, challenge.UserID)
	if err != nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("mfa: authenticate: %w", domain.ErrUserNotFound)
	}
	return user, nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "challenge":
		var req struct {
			MfaToken        string `json:"mfa_token"`
			AuthenticatorID string `json:"authenticator_id"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return s.coordinator.Challenge(ctx, req.MfaToken, req.AuthenticatorID, params, info)
	case "associate":
		var req struct {
			UserID string `json:"user_id"`
			Type   string `json:"type"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return s.coordinator.Associate(ctx, req.UserID, req.Type, params)
	case "associateByMfaToken":
		var req struct {
			MfaToken string `json:"mfa_token"`
			Type     string `json:"type"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return s.coordinator.AssociateByMfaToken(ctx, req.MfaToken, req.Type, params)
	case "findUserAuthenticators":
		var req struct {
			UserID   string `json:"user_id"`
			MfaToken string `json:"mfa_token"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		if req.MfaToken != "" {
			return s.coordinator.FindUserAuthenticatorsByMfaToken(ctx, req.MfaToken)
		}
		return s.coordinator.FindUserAuthenticators(ctx, req.UserID)
	default:
		return nil, fmt.Errorf("mfa: unknown action %q", action)
	}
}
