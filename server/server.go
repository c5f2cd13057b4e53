// Package server implements the accounts authentication coordinator.
//
// The Server is the single source of truth for login, session
// continuation, and authorization decisions. Authentication services
// verify credentials and hand back a user; the server then funnels every
// successful path (password, oauth, magic link, multi-step, impersonation)
// through LoginWithUser so session and token issuance stay consistent.
//
// All domain failures are returned errors carrying a package-prefixed
// message; security-relevant checks (session validity, user existence)
// never have a silent-nil path. Only impersonation's authorization step is
// deliberately soft, so an unauthorized caller cannot probe for target
// users.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// Options configures a Server. Zero values are safe: impersonation is
// opt-in, session resumption is unvalidated, MFA is disabled.
type Options struct {
	// AmbiguousErrorMessages collapses "user not found" and "wrong
	// credential" into one generic error in the services linked to this
	// server, to reduce user-enumeration risk.
	AmbiguousErrorMessages bool

	// ImpersonationAuthorize decides whether impersonator may act as
	// target. When nil, Impersonate always answers {Authorized: false}.
	ImpersonationAuthorize func(ctx context.Context, impersonator, target *domain.User) (bool, error)

	// ResumeSessionValidator may reject an otherwise valid session, e.g.
	// to enforce tenant or device checks. An error aborts the resume.
	ResumeSessionValidator func(ctx context.Context, user *domain.User, session *domain.Session) error

	// Mfa, when set, is consulted after every successful first factor.
	Mfa domain.MfaAuthority

	Logger *zap.Logger
}

// Server owns the service registry, the storage handle, and the token
// manager. The registry is fixed at construction and immutable afterwards.
type Server struct {
	db       domain.Database
	tokens   domain.TokenManager
	services map[string]domain.AuthenticationService
	options  Options
	hooks    []Hook
	log      *zap.Logger
}

// NewServer wires the server and links every authentication service to
// it. Linking happens exactly once, here; it is not a per-request step.
func NewServer(db domain.Database, tokens domain.TokenManager, services []domain.AuthenticationService, options Options) (*Server, error) {
	if db == nil {
		return nil, errors.New("server: a database handle is required")
	}
	if tokens == nil {
		return nil, errors.New("server: a token manager is required")
	}
	if len(services) == 0 {
		return nil, errors.New("server: at least one authentication service is required")
	}

	s := &Server{
		db:       db,
		tokens:   tokens,
		services: make(map[string]domain.AuthenticationService, len(services)),
		options:  options,
		log:      options.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	deps := domain.ServiceDeps{
		Store:           db,
		AmbiguousErrors: options.AmbiguousErrorMessages,
	}
	for _, svc := range services {
		if _, dup := s.services[svc.Name()]; dup {
			return nil, fmt.Errorf("server: duplicate authentication service %q", svc.Name())
		}
		svc.Link(deps)
		s.services[svc.Name()] = svc
	}
	return s, nil
}

// Service returns a registered authentication service by name.
func (s *Server) Service(name string) (domain.AuthenticationService, error) {
	svc, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("server: %q: %w", name, domain.ErrServiceNotFound)
	}
	return svc, nil
}

// UseService dispatches a named action to a registered service.
func (s *Server) UseService(ctx context.Context, service, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	svc, err := s.Service(service)
	if err != nil {
		return nil, err
	}
	actions, ok := svc.(domain.ServiceActions)
	if !ok {
		return nil, fmt.Errorf("server: service %q exposes no actions", service)
	}
	return actions.UseService(ctx, action, params, info)
}

// AuthenticateWithService runs the named service's credential check and,
// on success, issues a session. When an MFA authority is configured and
// the user has active authenticators, the result carries an mfa token
// instead of a session.
func (s *Server) AuthenticateWithService(ctx context.Context, service string, params domain.Params, info *domain.ConnectionInfo) (*domain.LoginResult, error) {
	svc, err := s.Service(service)
	if err != nil {
		return nil, err
	}

	user, err := svc.Authenticate(ctx, params, info)
	if err != nil {
		s.emit(ctx, &HookData{Event: EventLoginError, Service: service, Info: info, Err: err})
		return nil, err
	}
	if user == nil {
		err := fmt.Errorf("server: authenticate with %q: %w", service, domain.ErrUserNotFound)
		s.emit(ctx, &HookData{Event: EventLoginError, Service: service, Info: info, Err: err})
		return nil, err
	}
	if user.Deactivated {
		err := fmt.Errorf("server: authenticate with %q: %w", service, domain.ErrUserDeactivated)
		s.emit(ctx, &HookData{Event: EventLoginError, Service: service, UserID: user.ID, Info: info, Err: err})
		return nil, err
	}

	if s.options.Mfa != nil {
		mfaToken, required, err := s.options.Mfa.ChallengeOnLogin(ctx, user.ID, info)
		if err != nil {
			return nil, err
		}
		if required {
			s.log.Debug("second factor required", zap.String("user_id", user.ID))
			return &domain.LoginResult{User: user.Sanitized(), MfaToken: mfaToken}, nil
		}
	}

	res, err := s.LoginWithUser(ctx, user, info)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, &HookData{Event: EventLoginSuccess, Service: service, UserID: user.ID, SessionID: res.SessionID, Info: info})
	return res, nil
}

// LoginWithUser creates a session for the user and mints the token pair
// bound to it. Every successful authentication path must pass through
// here.
func (s *Server) LoginWithUser(ctx context.Context, user *domain.User, info *domain.ConnectionInfo) (*domain.LoginResult, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("server: login: %w", domain.ErrUserNotFound)
	}

	session := &domain.Session{
		UserID: user.ID,
		Token:  uuid.New().String(),
		Valid:  true,
	}
	if info != nil {
		session.IP = info.IP
		session.UserAgent = info.UserAgent
	}
	sessionID, err := s.db.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("server: login: create session: %w", err)
	}

	tokens, err := s.mintTokens(domain.TokenClaims{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	s.log.Info("user logged in",
		zap.String("user_id", user.ID),
		zap.String("session_id", sessionID),
	)
	return &domain.LoginResult{
		User:      user.Sanitized(),
		SessionID: sessionID,
		Tokens:    tokens,
	}, nil
}

// Impersonate lets an authenticated caller obtain a session for another
// user. Authorization is opt-in through Options.ImpersonationAuthorize;
// without it, or on a negative answer, the result is {Authorized: false}
// with no session or tokens created. Missing resources (caller session,
// caller user, target user) are hard failures.
func (s *Server) Impersonate(ctx context.Context, accessToken, username string, info *domain.ConnectionInfo) (*domain.ImpersonationResult, error) {
	if accessToken == "" {
		return nil, errors.New("server: impersonate: an access token is required")
	}

	session, err := s.findSessionByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("server: impersonate: %w", err)
	}
	if !session.Valid {
		return nil, fmt.Errorf("server: impersonate: %w", domain.ErrInvalidSession)
	}

	impersonator, err := s.db.FindUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("server: impersonate: %w", err)
	}
	if impersonator == nil {
		return nil, fmt.Errorf("server: impersonate: %w", domain.ErrUserNotFound)
	}

	target, err := s.db.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("server: impersonate: %w", err)
	}
	if target == nil {
		return nil, fmt.Errorf("server: impersonate: user %q: %w", username, domain.ErrUserNotFound)
	}

	if s.options.ImpersonationAuthorize == nil {
		return &domain.ImpersonationResult{Authorized: false}, nil
	}
	allowed, err := s.options.ImpersonationAuthorize(ctx, impersonator, target)
	if err != nil {
		return nil, fmt.Errorf("server: impersonate: %w", err)
	}
	if !allowed {
		s.emit(ctx, &HookData{Event: EventImpersonationError, UserID: impersonator.ID, Info: info})
		return &domain.ImpersonationResult{Authorized: false}, nil
	}

	newSession := &domain.Session{
		UserID:             target.ID,
		Token:              uuid.New().String(),
		Valid:              true,
		ImpersonatorUserID: impersonator.ID,
	}
	if info != nil {
		newSession.IP = info.IP
		newSession.UserAgent = info.UserAgent
	}
	sessionID, err := s.db.CreateSession(ctx, newSession)
	if err != nil {
		return nil, fmt.Errorf("server: impersonate: create session: %w", err)
	}

	tokens, err := s.mintTokens(domain.TokenClaims{SessionID: sessionID, IsImpersonated: true})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, &HookData{Event: EventImpersonationSuccess, UserID: impersonator.ID, SessionID: sessionID, Info: info})
	s.log.Info("impersonation granted",
		zap.String("impersonator_id", impersonator.ID),
		zap.String("target_id", target.ID),
	)
	return &domain.ImpersonationResult{
		Authorized: true,
		User:       target.Sanitized(),
		Tokens:     tokens,
	}, nil
}

// RefreshTokens mints a fresh token pair bound to the same session. The
// session id is stable across refreshes; only the token strings rotate.
func (s *Server) RefreshTokens(ctx context.Context, accessToken, refreshToken string, info *domain.ConnectionInfo) (*domain.LoginResult, error) {
	if accessToken == "" || refreshToken == "" {
		err := errors.New("server: refresh: an access token and a refresh token are required")
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, Info: info, Err: err})
		return nil, err
	}

	// The refresh token is checked for validity only; the session id
	// comes from the access token, which may itself be expired.
	if _, err := s.tokens.DecodeRefresh(refreshToken); err != nil {
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, Info: info, Err: err})
		return nil, fmt.Errorf("server: refresh: %w", err)
	}
	claims, err := s.decodeAccessAllowExpired(accessToken)
	if err != nil {
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, Info: info, Err: err})
		return nil, fmt.Errorf("server: refresh: %w", err)
	}

	session, err := s.db.FindSessionByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("server: refresh: %w", err)
	}
	if session == nil {
		err := fmt.Errorf("server: refresh: %w", domain.ErrSessionNotFound)
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, Info: info, Err: err})
		return nil, err
	}
	if !session.Valid {
		err := fmt.Errorf("server: refresh: %w", domain.ErrInvalidSession)
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, SessionID: session.ID, Info: info, Err: err})
		return nil, err
	}

	user, err := s.db.FindUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("server: refresh: %w", err)
	}
	if user == nil {
		err := fmt.Errorf("server: refresh: %w", domain.ErrUserNotFound)
		s.emit(ctx, &HookData{Event: EventRefreshTokensError, SessionID: session.ID, Info: info, Err: err})
		return nil, err
	}

	if info != nil {
		if err := s.db.UpdateSession(ctx, session.ID, *info); err != nil {
			return nil, fmt.Errorf("server: refresh: update session: %w", err)
		}
	}

	tokens, err := s.mintTokens(domain.TokenClaims{SessionID: session.ID, IsImpersonated: claims.IsImpersonated})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, &HookData{Event: EventRefreshTokensSuccess, UserID: user.ID, SessionID: session.ID, Info: info})
	return &domain.LoginResult{
		User:      user.Sanitized(),
		SessionID: session.ID,
		Tokens:    tokens,
	}, nil
}

// Logout invalidates the session behind the access token. Logging out an
// already-invalid session is an error, not a no-op; silent success here
// would hide client bugs.
func (s *Server) Logout(ctx context.Context, accessToken string) error {
	session, user, err := s.resolve(ctx, accessToken)
	if err != nil {
		s.emit(ctx, &HookData{Event: EventLogoutError, Err: err})
		return fmt.Errorf("server: logout: %w", err)
	}

	if err := s.db.InvalidateSession(ctx, session.ID); err != nil {
		return fmt.Errorf("server: logout: %w", err)
	}
	s.emit(ctx, &HookData{Event: EventLogoutSuccess, UserID: user.ID, SessionID: session.ID})
	s.log.Info("user logged out", zap.String("user_id", user.ID), zap.String("session_id", session.ID))
	return nil
}

// ResumeSession resolves the access token to its user. This backs every
// transport's request-scoped auth middleware.
func (s *Server) ResumeSession(ctx context.Context, accessToken string) (*domain.User, error) {
	session, user, err := s.resolve(ctx, accessToken)
	if err != nil {
		s.emit(ctx, &HookData{Event: EventResumeSessionError, Err: err})
		return nil, fmt.Errorf("server: resume session: %w", err)
	}

	if s.options.ResumeSessionValidator != nil {
		if err := s.options.ResumeSessionValidator(ctx, user, session); err != nil {
			s.emit(ctx, &HookData{Event: EventResumeSessionError, UserID: user.ID, SessionID: session.ID, Err: err})
			return nil, fmt.Errorf("server: resume session: %w", err)
		}
	}

	s.emit(ctx, &HookData{Event: EventResumeSessionSuccess, UserID: user.ID, SessionID: session.ID})
	return user.Sanitized(), nil
}

// SanitizeUser strips the per-service state map. This is the single point
// preventing credential leakage to clients.
func (s *Server) SanitizeUser(user *domain.User) *domain.User {
	return user.Sanitized()
}

// resolve maps an access token to its valid session and existing user.
func (s *Server) resolve(ctx context.Context, accessToken string) (*domain.Session, *domain.User, error) {
	session, err := s.findSessionByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	if !session.Valid {
		return nil, nil, domain.ErrInvalidSession
	}
	user, err := s.db.FindUserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, domain.ErrUserNotFound
	}
	return session, user, nil
}

func (s *Server) findSessionByAccessToken(ctx context.Context, accessToken string) (*domain.Session, error) {
	claims, err := s.tokens.DecodeAccess(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, errors.New("token carries no session id")
	}
	session, err := s.db.FindSessionByID(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// decodeAccessAllowExpired extracts claims from an access token even when
// it is past its expiry, which is the normal case during a refresh.
func (s *Server) decodeAccessAllowExpired(accessToken string) (*domain.TokenClaims, error) {
	claims, err := s.tokens.DecodeAccess(accessToken)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, domain.ErrTokenExpired) {
		if expired, ok := s.tokens.(interface {
			DecodeExpired(token string) (*domain.TokenClaims, error)
		}); ok {
			return expired.DecodeExpired(accessToken)
		}
	}
	return nil, err
}

func (s *Server) mintTokens(claims domain.TokenClaims) (*domain.Tokens, error) {
	access, err := s.tokens.GenerateAccess(claims)
	if err != nil {
		return nil, fmt.Errorf("server: mint tokens: %w", err)
	}
	refresh, err := s.tokens.GenerateRefresh(claims)
	if err != nil {
		return nil, fmt.Errorf("server: mint tokens: %w", err)
	}
	return &domain.Tokens{AccessToken: access, RefreshToken: refresh}, nil
}
