package code

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/memdb"
)

type captureSender struct {
	sent []string
}

func (c *captureSender) send(ctx context.Context, to, subject, body string) error {
	c.sent = append(c.sent, body)
	return nil
}

func newTestService(t *testing.T, options Options) (*Service, *captureSender, string) {
	t.Helper()
	db := memdb.New()
	userID, err := db.CreateUser(context.Background(), domain.CreateUserFields{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	sender := &captureSender{}
	options.Sender = sender.send
	options.Template = domain.EmailTemplate{Subject: "code", Body: "{{.Token}}"}
	svc := NewService(options)
	svc.Link(domain.ServiceDeps{Store: db})
	return svc, sender, userID
}

func TestRequestAndAuthenticate(t *testing.T) {
	svc, sender, userID := newTestService(t, Options{CodeLength: 8})
	ctx := context.Background()

	if err := svc.RequestCodeEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request code: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sender.sent))
	}
	code := sender.sent[0]
	if len(code) != 8 {
		t.Fatalf("expected an 8 digit code, got %q", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("expected a numeric code, got %q", code)
		}
	}

	user, err := svc.Authenticate(ctx, domain.Params{"email": "alice@example.com", "code": code}, nil)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if user.ID != userID {
		t.Errorf("expected user %s, got %s", userID, user.ID)
	}

	// Codes are single use.
	if _, err := svc.Authenticate(ctx, domain.Params{"email": "alice@example.com", "code": code}, nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for a consumed code, got %v", err)
	}
}

func TestCodeScopedToAddress(t *testing.T) {
	svc, sender, _ := newTestService(t, Options{})
	ctx := context.Background()

	if err := svc.RequestCodeEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request code: %v", err)
	}

	if _, err := svc.Authenticate(ctx, domain.Params{"email": "bob@example.com", "code": sender.sent[0]}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for another address, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.Params{"email": "alice@example.com", "code": "999999"}, nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for a wrong code, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.Params{"email": "alice@example.com"}, nil); err == nil {
		t.Fatal("expected error for a missing code")
	}
}

func TestExpiredCode(t *testing.T) {
	svc, sender, _ := newTestService(t, Options{CodeExpiration: -time.Minute})
	ctx := context.Background()

	if err := svc.RequestCodeEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request code: %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.Params{"email": "alice@example.com", "code": sender.sent[0]}, nil); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRequestUnknownAddress(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	if err := svc.RequestCodeEmail(context.Background(), "ghost@example.com"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
