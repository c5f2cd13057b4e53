// Package mfa coordinates second-factor enrollment and verification. The
// coordinator owns the authenticator-service registry and the challenge
// lifecycle; the login-side integration happens through two seams: the
// server consults ChallengeOnLogin after the first factor, and the
// companion Service (service.go) resolves a pending challenge into a
// full login.
package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// Enrollment is what an AuthenticatorService produces when a new factor
// is associated: the secrets stored server-side, and the response shown
// to the client (e.g. the OTP secret to scan).
type Enrollment struct {
	Secrets  domain.JSON
	Response map[string]any
}

// AuthenticatorService implements one second-factor type.
type AuthenticatorService interface {
	Type() string

	// Associate begins enrollment, generating the factor's secrets. The
	// coordinator persists the resulting authenticator as inactive.
	Associate(ctx context.Context, userID string, params domain.Params) (*Enrollment, error)

	// Authenticate verifies the factor's proof against an enrolled
	// authenticator. A false return is a wrong code, not a system error.
	Authenticate(ctx context.Context, authenticator *domain.Authenticator, params domain.Params) (bool, error)
}

// Challenger is an optional AuthenticatorService extension for factor
// types that need a server-initiated challenge step (push, SMS). Factors
// without it (OTP) are auto-attached to the challenge.
type Challenger interface {
	Challenge(ctx context.Context, challenge *domain.MfaChallenge, authenticator *domain.Authenticator, params domain.Params) (map[string]any, error)
}

// AssociationResult reports a begun enrollment.
type AssociationResult struct {
	AuthenticatorID string         `json:"authenticator_id"`
	Type            string         `json:"type"`
	MfaToken        string         `json:"mfa_token,omitempty"`
	Response        map[string]any `json:"response,omitempty"`
}

// ChallengeResult reports a challenge dispatch.
type ChallengeResult struct {
	MfaToken        string         `json:"mfa_token"`
	AuthenticatorID string         `json:"authenticator_id"`
	Response        map[string]any `json:"response,omitempty"`
}

// Options configures the coordinator.
type Options struct {
	Factors []AuthenticatorService
	Logger  *zap.Logger
}

// Mfa is the coordinator. It satisfies domain.MfaAuthority so it can be
// handed to the server as Options.Mfa.
type Mfa struct {
	store   domain.Database
	factors map[string]AuthenticatorService
	log     *zap.Logger
}

var _ domain.MfaAuthority = (*Mfa)(nil)

func New(store domain.Database, options Options) *Mfa {
	m := &Mfa{
		store:   store,
		factors: make(map[string]AuthenticatorService, len(options.Factors)),
		log:     options.Logger,
	}
	for _, f := range options.Factors {
		m.factors[f.Type()] = f
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// challengeValid reports whether a challenge can still be consumed.
// Deactivation is the only criterion; challenges carry no age expiry.
func challengeValid(c *domain.MfaChallenge) bool {
	return c != nil && !c.Deactivated
}

// ChallengeOnLogin is the server's post-first-factor hook. When the user
// has at least one active authenticator it records a challenge and
// returns its token; login then stays suspended until the challenge is
// resolved through the mfa service.
func (m *Mfa) ChallengeOnLogin(ctx context.Context, userID string, info *domain.ConnectionInfo) (string, bool, error) {
	authenticators, err := m.store.FindUserAuthenticators(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("mfa: challenge on login: %w", err)
	}
	active := false
	for _, a := range authenticators {
		if a.Active {
			active = true
			break
		}
	}
	if !active {
		return "", false, nil
	}

	token := uuid.New().String()
	if _, err := m.store.CreateMfaChallenge(ctx, &domain.MfaChallenge{
		UserID: userID,
		Token:  token,
	}); err != nil {
		return "", false, fmt.Errorf("mfa: challenge on login: %w", err)
	}
	m.log.Debug("mfa challenge issued", zap.String("user_id", userID))
	return token, true, nil
}

// Challenge resolves a pending challenge against a chosen authenticator
// and dispatches the factor's challenge step. Factor types without one
// get the authenticator attached and the token echoed back, which is all
// an OTP-style factor needs.
func (m *Mfa) Challenge(ctx context.Context, mfaToken, authenticatorID string, params domain.Params, info *domain.ConnectionInfo) (*ChallengeResult, error) {
	challenge, err := m.store.FindMfaChallengeByToken(ctx, mfaToken)
	if err != nil {
		return nil, fmt.Errorf("mfa: challenge: %w", err)
	}
	if !challengeValid(challenge) {
		return nil, fmt.Errorf("mfa: challenge: %w", domain.ErrTokenNotFound)
	}

	authenticator, err := m.store.FindAuthenticatorByID(ctx, authenticatorID)
	if err != nil {
		return nil, fmt.Errorf("mfa: challenge: %w", err)
	}
	if authenticator == nil {
		return nil, errors.New("mfa: challenge: authenticator not found")
	}
	if authenticator.UserID != challenge.UserID {
		return nil, fmt.Errorf("mfa: challenge: %w", domain.ErrNotAuthorized)
	}

	factor, ok := m.factors[authenticator.Type]
	if !ok {
		return nil, fmt.Errorf("mfa: challenge: no factor registered for type %q", authenticator.Type)
	}

	if err := m.store.UpdateMfaChallenge(ctx, challenge.ID, authenticator.ID); err != nil {
		return nil, fmt.Errorf("mfa: challenge: %w", err)
	}

	result := &ChallengeResult{MfaToken: mfaToken, AuthenticatorID: authenticator.ID}
	if challenger, ok := factor.(Challenger); ok {
		response, err := challenger.Challenge(ctx, challenge, authenticator, params)
		if err != nil {
			return nil, fmt.Errorf("mfa: challenge: %s: %w", authenticator.Type, err)
		}
		result.Response = response
	}
	return result, nil
}

// Associate begins enrolling a new factor for an authenticated user. The
// authenticator is stored inactive; it activates on its first successful
// authentication.
func (m *Mfa) Associate(ctx context.Context, userID, factorType string, params domain.Params) (*AssociationResult, error) {
	factor, ok := m.factors[factorType]
	if !ok {
		return nil, fmt.Errorf("mfa: associate: no factor registered for type %q", factorType)
	}
	enrollment, err := factor.Associate(ctx, userID, params)
	if err != nil {
		return nil, fmt.Errorf("mfa: associate: %s: %w", factorType, err)
	}

	id, err := m.store.CreateAuthenticator(ctx, &domain.Authenticator{
		Type:    factorType,
		UserID:  userID,
		Active:  false,
		Secrets: enrollment.Secrets,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: associate: %w", err)
	}
	m.log.Info("authenticator enrollment started",
		zap.String("user_id", userID),
		zap.String("type", factorType),
	)
	return &AssociationResult{
		AuthenticatorID: id,
		Type:            factorType,
		Response:        enrollment.Response,
	}, nil
}

// AssociateByMfaToken begins enrollment mid-login, gated by possession of
// a pending challenge scoped for association.
func (m *Mfa) AssociateByMfaToken(ctx context.Context, mfaToken, factorType string, params domain.Params) (*AssociationResult, error) {
	challenge, err := m.store.FindMfaChallengeByToken(ctx, mfaToken)
	if err != nil {
		return nil, fmt.Errorf("mfa: associate by token: %w", err)
	}
	if !challengeValid(challenge) || challenge.Scope != domain.MfaChallengeScopeAssociate {
		return nil, fmt.Errorf("mfa: associate by token: %w", domain.ErrTokenNotFound)
	}

	result, err := m.Associate(ctx, challenge.UserID, factorType, params)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateMfaChallenge(ctx, challenge.ID, result.AuthenticatorID); err != nil {
		return nil, fmt.Errorf("mfa: associate by token: %w", err)
	}
	result.MfaToken = mfaToken
	return result, nil
}

// FindUserAuthenticators lists a user's authenticators with secrets
// stripped.
func (m *Mfa) FindUserAuthenticators(ctx context.Context, userID string) ([]*domain.Authenticator, error) {
	authenticators, err := m.store.FindUserAuthenticators(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mfa: find authenticators: %w", err)
	}
	sanitized := make([]*domain.Authenticator, 0, len(authenticators))
	for _, a := range authenticators {
		sanitized = append(sanitized, a.Sanitized())
	}
	return sanitized, nil
}

// FindUserAuthenticatorsByMfaToken lists the factors a challenged login
// may use. Only active authenticators qualify; a pending enrollment is
// never offered as a login factor.
func (m *Mfa) FindUserAuthenticatorsByMfaToken(ctx context.Context, mfaToken string) ([]*domain.Authenticator, error) {
	challenge, err := m.store.FindMfaChallengeByToken(ctx, mfaToken)
	if err != nil {
		return nil, fmt.Errorf("mfa: find authenticators: %w", err)
	}
	if !challengeValid(challenge) {
		return nil, fmt.Errorf("mfa: find authenticators: %w", domain.ErrTokenNotFound)
	}

	authenticators, err := m.store.FindUserAuthenticators(ctx, challenge.UserID)
	if err != nil {
		return nil, fmt.Errorf("mfa: find authenticators: %w", err)
	}
	active := make([]*domain.Authenticator, 0, len(authenticators))
	for _, a := range authenticators {
		if a.Active {
			active = append(active, a.Sanitized())
		}
	}
	return active, nil
}
