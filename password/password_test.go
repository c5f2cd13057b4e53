package password

import (
	"context"
	"errors"
	"testing"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/guard"
	"github.com/getaccounts/accounts/memdb"
)

// captureSender records the body of every sent mail. The test templates
// render the bare token as the body, so sent[i] is the i-th token.
type captureSender struct {
	sent []string
}

func (c *captureSender) send(ctx context.Context, to, subject, body string) error {
	c.sent = append(c.sent, body)
	return nil
}

func tokenTemplates() Templates {
	return Templates{
		VerifyEmail:   domain.EmailTemplate{Subject: "verify", Body: "{{.Token}}"},
		ResetPassword: domain.EmailTemplate{Subject: "reset", Body: "{{.Token}}"},
	}
}

func newTestService(t *testing.T, options Options, ambiguous bool) (*Service, *memdb.Store) {
	t.Helper()
	db := memdb.New()
	svc := NewService(options)
	svc.Link(domain.ServiceDeps{Store: db, AmbiguousErrors: ambiguous})
	return svc, db
}

func authParams(email, password string) domain.Params {
	return domain.Params{
		"user":     map[string]any{"email": email},
		"password": password,
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t, Options{}, false)
	ctx := context.Background()

	userID, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if userID == "" {
		t.Fatal("expected a user id")
	}

	user, err := svc.Authenticate(ctx, authParams("alice@example.com", "hunter22"), nil)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if user.ID != userID {
		t.Errorf("expected user %s, got %s", userID, user.ID)
	}

	if _, err := svc.Authenticate(ctx, authParams("alice@example.com", "wrong"), nil); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, authParams("ghost@example.com", "hunter22"), nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAmbiguousErrors(t *testing.T) {
	svc, _ := newTestService(t, Options{}, true)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// Unknown user and wrong password collapse into the same error.
	_, unknownErr := svc.Authenticate(ctx, authParams("ghost@example.com", "hunter22"), nil)
	if !errors.Is(unknownErr, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", unknownErr)
	}
	_, wrongErr := svc.Authenticate(ctx, authParams("alice@example.com", "wrong"), nil)
	if !errors.Is(wrongErr, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", wrongErr)
	}
}

func TestAmbiguousMailRequests(t *testing.T) {
	sender := &captureSender{}
	svc, _ := newTestService(t, Options{Templates: tokenTemplates(), Sender: sender.send}, true)
	ctx := context.Background()

	// An unknown address reports success and sends nothing, so the
	// endpoints cannot be used to enumerate accounts.
	if err := svc.SendResetPasswordEmail(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("expected silent success for unknown address, got %v", err)
	}
	if err := svc.SendVerificationEmail(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("expected silent success for unknown address, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no mail for unknown addresses, got %d", len(sender.sent))
	}

	// Known addresses still get their mail.
	if _, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := svc.SendResetPasswordEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to send reset email: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sender.sent))
	}
}

func TestRegisterValidation(t *testing.T) {
	rejected := errors.New("too short")
	svc, _ := newTestService(t, Options{
		Validation: Validation{
			Password: func(p string) error {
				if len(p) < 8 {
					return rejected
				}
				return nil
			},
		},
	}, false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterParams{Password: "hunter22"}); err == nil {
		t.Error("expected error without username or email")
	}
	if _, err := svc.Register(ctx, RegisterParams{Email: "a@example.com", Password: "short"}); !errors.Is(err, rejected) {
		t.Fatalf("expected password validation error, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterParams{Email: "a@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterParams{Email: "a@example.com", Password: "hunter23"}); err == nil {
		t.Error("expected error for duplicate email")
	}
}

func TestResetPasswordCascade(t *testing.T) {
	sender := &captureSender{}
	svc, db := newTestService(t, Options{Templates: tokenTemplates(), Sender: sender.send}, false)
	ctx := context.Background()

	userID, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	sessionID, err := db.CreateSession(ctx, &domain.Session{UserID: userID, Token: "opaque", Valid: true})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := svc.SendResetPasswordEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to send reset email: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sender.sent))
	}
	token := sender.sent[0]

	if err := svc.ResetPassword(ctx, token, "newpassword1"); err != nil {
		t.Fatalf("failed to reset password: %v", err)
	}

	// The cascade invalidates every session before reporting success.
	session, err := db.FindSessionByID(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if session.Valid {
		t.Error("expected the session to be invalidated by the reset")
	}

	if _, err := svc.Authenticate(ctx, authParams("alice@example.com", "hunter22"), nil); err == nil {
		t.Error("expected the old password to be rejected")
	}
	if _, err := svc.Authenticate(ctx, authParams("alice@example.com", "newpassword1"), nil); err != nil {
		t.Errorf("expected the new password to work: %v", err)
	}

	// Reset tokens are single use.
	if err := svc.ResetPassword(ctx, token, "anotherpass1"); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for consumed token, got %v", err)
	}
}

func TestVerifyEmail(t *testing.T) {
	sender := &captureSender{}
	svc, db := newTestService(t, Options{Templates: tokenTemplates(), Sender: sender.send}, false)
	ctx := context.Background()

	userID, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := svc.SendVerificationEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to send verification email: %v", err)
	}
	if err := svc.VerifyEmail(ctx, sender.sent[0]); err != nil {
		t.Fatalf("failed to verify email: %v", err)
	}

	user, err := db.FindUserByID(ctx, userID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if len(user.Emails) != 1 || !user.Emails[0].Verified {
		t.Errorf("expected a verified email, got %+v", user.Emails)
	}

	if err := svc.VerifyEmail(ctx, "no-such-token"); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, db := newTestService(t, Options{}, false)
	ctx := context.Background()

	userID, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	sessionID, err := db.CreateSession(ctx, &domain.Session{UserID: userID, Token: "opaque", Valid: true})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := svc.ChangePassword(ctx, userID, "wrong", "newpassword1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, userID, "hunter22", "newpassword1"); err != nil {
		t.Fatalf("failed to change password: %v", err)
	}

	session, _ := db.FindSessionByID(ctx, sessionID)
	if session.Valid {
		t.Error("expected sessions to be invalidated after a password change")
	}
}

func TestLockout(t *testing.T) {
	lockout := guard.NewLockout(guard.NewMemoryLockoutStore(), guard.LockoutConfig{MaxFailures: 2})
	svc, _ := newTestService(t, Options{Lockout: lockout}, false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterParams{Email: "alice@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, authParams("alice@example.com", "wrong"), nil); err == nil {
			t.Fatal("expected authentication failure")
		}
	}

	// The identifier is now locked; even the right password is refused.
	var locked *guard.LockedError
	_, err := svc.Authenticate(ctx, authParams("alice@example.com", "hunter22"), nil)
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
}
