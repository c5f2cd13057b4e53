// Package password implements the username/email + password
// authentication service: registration, login, email verification,
// password reset with its session-invalidation cascade, and the
// notification mails for each.
package password

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/email"
	"github.com/getaccounts/accounts/guard"
)

const (
	// DefaultResetTokenExpiration bounds reset-password links.
	DefaultResetTokenExpiration = 3 * 24 * time.Hour
)

// Validation holds injectable field predicates. A nil predicate accepts
// everything.
type Validation struct {
	Username func(string) error
	Email    func(string) error
	Password func(string) error
}

// Templates used by the notification mails. The body templates receive
// {Address, Token}.
type Templates struct {
	VerifyEmail   domain.EmailTemplate
	ResetPassword domain.EmailTemplate
}

// DefaultTemplates are plain-text fallbacks.
func DefaultTemplates() Templates {
	return Templates{
		VerifyEmail: domain.EmailTemplate{
			Subject: "Verify your account email",
			Body:    "To verify {{.Address}}, use the token {{.Token}}.",
		},
		ResetPassword: domain.EmailTemplate{
			Subject: "Reset your password",
			Body:    "To reset the password for {{.Address}}, use the token {{.Token}}.",
		},
	}
}

// Options configures the service.
type Options struct {
	Hasher               domain.Hasher
	Validation           Validation
	Templates            Templates
	Sender               domain.EmailSender
	ResetTokenExpiration time.Duration

	// Lockout, when set, locks an identifier out after repeated failed
	// password checks.
	Lockout *guard.Lockout

	Logger *zap.Logger
}

// Service is the password authentication service.
type Service struct {
	store     domain.Database
	ambiguous bool
	hasher    domain.Hasher
	templates Templates
	mailer    *email.Mailer
	validate  Validation
	resetTTL  time.Duration
	lockout   *guard.Lockout
	log       *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) *Service {
	s := &Service{
		hasher:    options.Hasher,
		templates: options.Templates,
		mailer:    email.NewMailer(options.Sender),
		validate:  options.Validation,
		resetTTL:  options.ResetTokenExpiration,
		lockout:   options.Lockout,
		log:       options.Logger,
	}
	if s.hasher == nil {
		s.hasher = NewBcryptHasher(0)
	}
	if s.templates == (Templates{}) {
		s.templates = DefaultTemplates()
	}
	if s.resetTTL == 0 {
		s.resetTTL = DefaultResetTokenExpiration
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

// RegisterParams is the input to Register. Username or email is required.
type RegisterParams struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// AuthenticateParams identifies the user by exactly one field, with
// priority id > username > email.
type AuthenticateParams struct {
	User struct {
		ID       string `json:"id,omitempty"`
		Username string `json:"username,omitempty"`
		Email    string `json:"email,omitempty"`
	} `json:"user"`
	Password string `json:"password"`
}

// Register creates a user with a hashed password and returns its id.
func (s *Service) Register(ctx context.Context, params RegisterParams) (string, error) {
	if params.Username == "" && params.Email == "" {
		return "", errors.New("password: register: a username or an email is required")
	}
	if err := s.check(s.validate.Username, params.Username); err != nil {
		return "", fmt.Errorf("password: register: invalid username: %w", err)
	}
	if err := s.check(s.validate.Email, params.Email); err != nil {
		return "", fmt.Errorf("password: register: invalid email: %w", err)
	}
	if err := s.check(s.validate.Password, params.Password); err != nil {
		return "", fmt.Errorf("password: register: invalid password: %w", err)
	}

	if params.Username != "" {
		existing, err := s.store.FindUserByUsername(ctx, params.Username)
		if err != nil {
			return "", fmt.Errorf("password: register: %w", err)
		}
		if existing != nil {
			return "", errors.New("password: register: username already exists")
		}
	}
	if params.Email != "" {
		existing, err := s.store.FindUserByEmail(ctx, params.Email)
		if err != nil {
			return "", fmt.Errorf("password: register: %w", err)
		}
		if existing != nil {
			return "", errors.New("password: register: email already exists")
		}
	}

	hashed, err := s.hasher.Hash(params.Password)
	if err != nil {
		return "", err
	}
	state, err := encodeState(&State{Bcrypt: hashed})
	if err != nil {
		return "", fmt.Errorf("password: register: %w", err)
	}

	userID, err := s.store.CreateUser(ctx, domain.CreateUserFields{
		Username: params.Username,
		Email:    params.Email,
		Services: map[string]domain.JSON{ServiceName: state},
	})
	if err != nil {
		return "", fmt.Errorf("password: register: %w", err)
	}
	s.log.Info("user registered", zap.String("user_id", userID))
	return userID, nil
}

// Authenticate verifies a password against the stored hash.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req AuthenticateParams
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("password: authenticate: %w", err)
	}
	if req.Password == "" {
		return nil, errors.New("password: authenticate: a password is required")
	}

	identifier := req.User.ID
	if identifier == "" {
		identifier = req.User.Username
	}
	if identifier == "" {
		identifier = req.User.Email
	}
	if identifier == "" {
		return nil, errors.New("password: authenticate: a user identifier is required")
	}

	if s.lockout != nil {
		if err := s.lockout.Check(ctx, identifier); err != nil {
			return nil, err
		}
	}

	user, err := s.findUser(ctx, req)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if s.ambiguous {
			return nil, fmt.Errorf("password: authenticate: %w", domain.ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("password: authenticate: %w", domain.ErrUserNotFound)
	}

	hash, err := s.store.FindPasswordHash(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("password: authenticate: %w", err)
	}
	if hash == "" {
		if s.ambiguous {
			return nil, fmt.Errorf("password: authenticate: %w", domain.ErrInvalidCredentials)
		}
		return nil, errors.New("password: authenticate: user has no password set")
	}

	if !s.hasher.Compare(req.Password, hash) {
		if s.lockout != nil {
			if err := s.lockout.Failure(ctx, identifier); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("password: authenticate: incorrect password: %w", domain.ErrInvalidCredentials)
	}

	if s.lockout != nil {
		s.lockout.Success(ctx, identifier)
	}
	return user, nil
}

// VerifyEmail marks the address behind the verification token as
// verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("password: verify email: a token is required")
	}
	user, err := s.store.FindUserByEmailVerificationToken(ctx, token)
	if err != nil {
		return fmt.Errorf("password: verify email: %w", err)
	}
	if user == nil {
		return fmt.Errorf("password: verify email: %w", domain.ErrTokenNotFound)
	}

	state, err := EmailStateFromUser(user)
	if err != nil {
		return fmt.Errorf("password: verify email: %w", err)
	}
	record := findRecord(state.VerificationTokens, token)
	if record == nil {
		return fmt.Errorf("password: verify email: %w", domain.ErrTokenNotFound)
	}
	if !user.HasEmail(record.Address) {
		return errors.New("password: verify email: token is for an unknown address")
	}

	if err := s.store.VerifyEmail(ctx, user.ID, record.Address); err != nil {
		return fmt.Errorf("password: verify email: %w", err)
	}
	return nil
}

// ResetPassword consumes a reset token, stores the new password, and
// invalidates every session of the user. The cascade completes before
// success is reported.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return errors.New("password: reset: a token is required")
	}
	if err := s.check(s.validate.Password, newPassword); err != nil {
		return fmt.Errorf("password: reset: invalid password: %w", err)
	}

	user, err := s.store.FindUserByResetPasswordToken(ctx, token)
	if err != nil {
		return fmt.Errorf("password: reset: %w", err)
	}
	if user == nil {
		return fmt.Errorf("password: reset: %w", domain.ErrTokenNotFound)
	}

	state, err := StateFromUser(user)
	if err != nil {
		return fmt.Errorf("password: reset: %w", err)
	}
	record := findRecord(state.Reset, token)
	if record == nil {
		return fmt.Errorf("password: reset: %w", domain.ErrTokenNotFound)
	}
	if record.Expired(s.resetTTL) {
		return fmt.Errorf("password: reset: %w", domain.ErrTokenExpired)
	}
	if !user.HasEmail(record.Address) {
		return errors.New("password: reset: token is for an unknown address")
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, user.ID, hashed); err != nil {
		return fmt.Errorf("password: reset: %w", err)
	}
	if err := s.store.RemoveAllResetPasswordTokens(ctx, user.ID); err != nil {
		return fmt.Errorf("password: reset: %w", err)
	}

	// A password change forces universal re-authentication.
	if err := s.store.InvalidateAllSessions(ctx, user.ID); err != nil {
		return fmt.Errorf("password: reset: invalidate sessions: %w", err)
	}
	s.log.Info("password reset", zap.String("user_id", user.ID))
	return nil
}

// ChangePassword verifies the old password before storing the new one,
// then invalidates every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := s.check(s.validate.Password, newPassword); err != nil {
		return fmt.Errorf("password: change: invalid password: %w", err)
	}
	hash, err := s.store.FindPasswordHash(ctx, userID)
	if err != nil {
		return fmt.Errorf("password: change: %w", err)
	}
	if hash == "" || !s.hasher.Compare(oldPassword, hash) {
		return fmt.Errorf("password: change: %w", domain.ErrInvalidCredentials)
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, userID, hashed); err != nil {
		return fmt.Errorf("password: change: %w", err)
	}
	if err := s.store.InvalidateAllSessions(ctx, userID); err != nil {
		return fmt.Errorf("password: change: invalidate sessions: %w", err)
	}
	return nil
}

// SendVerificationEmail issues a verification token for the address and
// mails it.
func (s *Service) SendVerificationEmail(ctx context.Context, address string) error {
	user, err := s.userForAddress(ctx, address, "send verification email")
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	token := uuid.New().String()
	if err := s.store.AddEmailVerificationToken(ctx, user.ID, address, token); err != nil {
		return fmt.Errorf("password: send verification email: %w", err)
	}
	return s.mailer.Send(ctx, address, s.templates.VerifyEmail, map[string]string{
		"Address": address,
		"Token":   token,
	})
}

// SendResetPasswordEmail issues a reset token for the address and mails
// it.
func (s *Service) SendResetPasswordEmail(ctx context.Context, address string) error {
	user, err := s.userForAddress(ctx, address, "send reset password email")
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}

	token := uuid.New().String()
	if err := s.store.AddResetPasswordToken(ctx, user.ID, address, token, "reset"); err != nil {
		return fmt.Errorf("password: send reset password email: %w", err)
	}
	return s.mailer.Send(ctx, address, s.templates.ResetPassword, map[string]string{
		"Address": address,
		"Token":   token,
	})
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "register":
		var req RegisterParams
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		userID, err := s.Register(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"user_id": userID}, nil
	case "verifyEmail":
		var req struct {
			Token string `json:"token"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.VerifyEmail(ctx, req.Token)
	case "resetPassword":
		var req struct {
			Token       string `json:"token"`
			NewPassword string `json:"new_password"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.ResetPassword(ctx, req.Token, req.NewPassword)
	case "changePassword":
		var req struct {
			UserID      string `json:"user_id"`
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.ChangePassword(ctx, req.UserID, req.OldPassword, req.NewPassword)
	case "sendVerificationEmail":
		var req struct {
			Email string `json:"email"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.SendVerificationEmail(ctx, req.Email)
	case "sendResetPasswordEmail":
		var req struct {
			Email string `json:"email"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.SendResetPasswordEmail(ctx, req.Email)
	default:
		return nil, fmt.Errorf("password: unknown action %q", action)
	}
}

func (s *Service) findUser(ctx context.Context, req AuthenticateParams) (*domain.User, error) {
	switch {
	case req.User.ID != "":
		return s.store.FindUserByID(ctx, req.User.ID)
	case req.User.Username != "":
		return s.store.FindUserByUsername(ctx, req.User.Username)
	default:
		return s.store.FindUserByEmail(ctx, req.User.Email)
	}
}

func (s *Service) userForAddress(ctx context.Context, address, op string) (*domain.User, error) {
	if address == "" {
		return nil, fmt.Errorf("password: %s: an email address is required", op)
	}
	user, err := s.store.FindUserByEmail(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("password: %s: %w", op, err)
	}
	if user == nil {
		if s.ambiguous {
			// Report success without a user so the endpoint cannot probe
			// which addresses exist.
			return nil, nil
		}
		return nil, fmt.Errorf("password: %s: %w", op, domain.ErrUserNotFound)
	}
	return user, nil
}

func (s *Service) check(predicate func(string) error, value string) error {
	if predicate == nil {
		return nil
	}
	return predicate(value)
}

func findRecord(records []domain.TokenRecord, token string) *domain.TokenRecord {
	for i := range records {
		if records[i].Token == token {
			return &records[i]
		}
	}
	return nil
}
