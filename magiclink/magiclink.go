// Package magiclink implements passwordless login links. A requested
// token is mailed to the address, stored with its issuance time, and is
// single use: every login token of the user is cleared after a successful
// authentication.
package magiclink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/email"
)

// ServiceName is the slot the magic-link service owns on a user.
const ServiceName = "magiclink"

// DefaultLoginTokenExpiration bounds how long a mailed link stays usable.
const DefaultLoginTokenExpiration = 15 * time.Minute

// State is the service blob under user.Services[ServiceName].
type State struct {
	LoginTokens []domain.TokenRecord `json:"login_tokens,omitempty"`
}

// StateFromUser decodes the blob; absent state decodes to zero.
func StateFromUser(u *domain.User) (*State, error) {
	var s State
	raw, ok := u.Services[ServiceName]
	if !ok || len(raw) == 0 {
		return &s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Options configures the service.
type Options struct {
	Template             domain.EmailTemplate
	Sender               domain.EmailSender
	LoginTokenExpiration time.Duration
	Logger               *zap.Logger
}

// Service is the magic-link authentication service.
type Service struct {
	store     domain.Database
	ambiguous bool
	template  domain.EmailTemplate
	mailer    *email.Mailer
	ttl       time.Duration
	log       *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) *Service {
	s := &Service{
		template: options.Template,
		mailer:   email.NewMailer(options.Sender),
		ttl:      options.LoginTokenExpiration,
		log:      options.Logger,
	}
	if s.template == (domain.EmailTemplate{}) {
		s.template = domain.EmailTemplate{
			Subject: "Your login link",
			Body:    "To sign in as {{.Address}}, use the token {{.Token}}.",
		}
	}
	if s.ttl == 0 {
		s.ttl = DefaultLoginTokenExpiration
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *Service) Name() string { return ServiceName }

func (s *Service) Link(deps domain.ServiceDeps) {
	s.store = deps.Store
	s.ambiguous = deps.AmbiguousErrors
}

// RequestMagicLinkEmail issues a login token for the address and mails
// it.
func (s *Service) RequestMagicLinkEmail(ctx context.Context, address string) error {
	if address == "" {
		return errors.New("magiclink: request: an email address is required")
	}
	user, err := s.store.FindUserByEmail(ctx, address)
	if err != nil {
		return fmt.Errorf("magiclink: request: %w", err)
	}
	if user == nil {
		if s.ambiguous {
			// Report success without a mail so the endpoint cannot probe
			// which addresses exist.
			return nil
		}
		return fmt.Errorf("magiclink: request: %w", domain.ErrUserNotFound)
	}

	token := uuid.New().String()
	if err := s.store.AddLoginToken(ctx, ServiceName, user.ID, address, token); err != nil {
		return fmt.Errorf("magiclink: request: %w", err)
	}
	s.log.Debug("magic link issued", zap.String("user_id", user.ID))
	return s.mailer.Send(ctx, address, s.template, map[string]string{
		"Address": address,
		"Token":   token,
	})
}

// Authenticate resolves the login token to its user. Distinct failures:
// unknown token, token missing from the user's records, and expired
// token. All of the user's login tokens are cleared on success.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("magiclink: authenticate: %w", err)
	}
	if req.Token == "" {
		return nil, errors.New("magiclink: authenticate: a token is required")
	}

	user, err := s.store.FindUserByLoginToken(ctx, ServiceName, req.Token)
	if err != nil {
		return nil, fmt.Errorf("magiclink: authenticate: %w", err)
	}
	if user == nil {
		if s.ambiguous {
			return nil, fmt.Errorf("magiclink: authenticate: %w", domain.ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("magiclink: authenticate: %w", domain.ErrUserNotFound)
	}

	state, err := StateFromUser(user)
	if err != nil {
		return nil, fmt.Errorf("magiclink: authenticate: %w", err)
	}
	var record *domain.TokenRecord
	for i := range state.LoginTokens {
		if state.LoginTokens[i].Token == req.Token {
			record = &state.LoginTokens[i]
			break
		}
	}
	if record == nil {
		return nil, fmt.Errorf("magiclink: authenticate: %w", domain.ErrTokenNotFound)
	}
	if record.Expired(s.ttl) {
		return nil, fmt.Errorf("magiclink: authenticate: %w", domain.ErrTokenExpired)
	}

	// Single use across the whole set.
	if err := s.store.RemoveAllLoginTokens(ctx, ServiceName, user.ID); err != nil {
		return nil, fmt.Errorf("magiclink: authenticate: %w", err)
	}
	return user, nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "requestMagicLinkEmail":
		var req struct {
			Email string `json:"email"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.RequestMagicLinkEmail(ctx, req.Email)
	default:
		return nil, fmt.Errorf("magiclink: unknown action %q", action)
	}
}
