// Package code implements short-code passwordless login: a numeric code
// is mailed to the address and exchanged, together with the address, for
// a login. Codes are short-lived and single use.
package code

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/email"
)

// ServiceName is the slot the code service owns on a user.
const ServiceName = "code"

const (
	// DefaultCodeExpiration bounds how long a mailed code stays usable.
	DefaultCodeExpiration = 5 * time.Minute
	// DefaultCodeLength is the number of digits in a code.
	DefaultCodeLength = 6
)

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
	Template       domain.EmailTemplate
	Sender         domain.EmailSender
	CodeExpiration time.Duration
	CodeLength     int
	Logger         *zap.Logger
}

// Service is the login-code authentication service.
type Service struct {
	store  domain.Database
	tpl    domain.EmailTemplate
	mailer *email.Mailer
	ttl    time.Duration
	length int
	log    *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) *Service {
	s := &Service{
		tpl:    options.Template,
		mailer: email.NewMailer(options.Sender),
		ttl:    options.CodeExpiration,
		length: options.CodeLength,
		log:    options.Logger,
	}
	if s.tpl == (domain.EmailTemplate{}) {
		s.tpl = domain.EmailTemplate{
			Subject: "Your login code",
			Body:    "Your login code is {{.Token}}. It expires shortly.",
		}
	}
	if s.ttl == 0 {
		s.ttl = DefaultCodeExpiration
	}
	if s.length == 0 {
		s.length = DefaultCodeLength
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

// RequestCodeEmail issues a numeric login code for the address and mails
// it.
func (s *Service) RequestCodeEmail(ctx context.Context, address string) error {
	if address == "" {
		return errors.New("code: request: an email address is required")
	}
	user, err := s.store.FindUserByEmail(ctx, address)
	if err != nil {
		return fmt.Errorf("code: request: %w", err)
	}
	if user == nil {
		return fmt.Errorf("code: request: %w", domain.ErrUserNotFound)
	}

	generated, err := generateCode(s.length)
	if err != nil {
		return fmt.Errorf("code: request: %w", err)
	}
	if err := s.store.AddLoginToken(ctx, ServiceName, user.ID, address, generated); err != nil {
		return fmt.Errorf("code: request: %w", err)
	}
	s.log.Debug("login code issued", zap.String("user_id", user.ID))
	return s.mailer.Send(ctx, address, s.tpl, map[string]string{
		"Address": address,
		"Token":   generated,
	})
}

// Authenticate exchanges address + code for the user. Codes are short,
// so the address is required to scope the lookup; every stored code of
// the user is cleared on success.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("code: authenticate: %w", err)
	}
	if req.Email == "" || req.Code == "" {
		return nil, errors.New("code: authenticate: an email and a code are required")
	}

	user, err := s.store.FindUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("code: authenticate: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("code: authenticate: %w", domain.ErrUserNotFound)
	}

	state, err := StateFromUser(user)
	if err != nil {
		return nil, fmt.Errorf("code: authenticate: %w", err)
	}
	var record *domain.TokenRecord
	for i := range state.LoginTokens {
		r := &state.LoginTokens[i]
		if r.Token == req.Code && r.Address == req.Email {
			record = r
			break
		}
	}
	if record == nil {
		return nil, fmt.Errorf("code: authenticate: %w", domain.ErrTokenNotFound)
	}
	if record.Expired(s.ttl) {
		return nil, fmt.Errorf("code: authenticate: %w", domain.ErrTokenExpired)
	}

	if err := s.store.RemoveAllLoginTokens(ctx, ServiceName, user.ID); err != nil {
		return nil, fmt.Errorf("code: authenticate: %w", err)
	}
	return user, nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "requestCodeEmail":
		var req struct {
			Email string `json:"email"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.RequestCodeEmail(ctx, req.Email)
	default:
		return nil, fmt.Errorf("code: unknown action %q", action)
	}
}

func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
