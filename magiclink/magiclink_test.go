package magiclink

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

func newTestService(t *testing.T, options Options) (*Service, *memdb.Store, string) {
	t.Helper()
	db := memdb.New()
	userID, err := db.CreateUser(context.Background(), domain.CreateUserFields{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	svc := NewService(options)
	svc.Link(domain.ServiceDeps{Store: db})
	return svc, db, userID
}

func TestRequestAndAuthenticate(t *testing.T) {
	sender := &captureSender{}
	svc, _, userID := newTestService(t, Options{
		Template: domain.EmailTemplate{Subject: "login", Body: "{{.Token}}"},
		Sender:   sender.send,
	})
	ctx := context.Background()

	if err := svc.RequestMagicLinkEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request link: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sender.sent))
	}
	token := sender.sent[0]

	user, err := svc.Authenticate(ctx, domain.Params{"token": token}, nil)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if user.ID != userID {
		t.Errorf("expected user %s, got %s", userID, user.ID)
	}

	// Login tokens are single use.
	if _, err := svc.Authenticate(ctx, domain.Params{"token": token}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for consumed token, got %v", err)
	}
}

func TestRequestUnknownAddress(t *testing.T) {
	svc, _, _ := newTestService(t, Options{Sender: (&captureSender{}).send})
	if err := svc.RequestMagicLinkEmail(context.Background(), "ghost@example.com"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t, Options{Sender: (&captureSender{}).send})
	if _, err := svc.Authenticate(context.Background(), domain.Params{"token": "no-such-token"}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), domain.Params{}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestAmbiguousErrors(t *testing.T) {
	sender := &captureSender{}
	db := memdb.New()
	if _, err := db.CreateUser(context.Background(), domain.CreateUserFields{Email: "alice@example.com"}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	svc := NewService(Options{Sender: sender.send})
	svc.Link(domain.ServiceDeps{Store: db, AmbiguousErrors: true})
	ctx := context.Background()

	// An unknown address reports success and sends nothing.
	if err := svc.RequestMagicLinkEmail(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("expected silent success for unknown address, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no mail for an unknown address, got %d", len(sender.sent))
	}

	// An unknown token collapses into the generic credential error.
	if _, err := svc.Authenticate(ctx, domain.Params{"token": "no-such-token"}, nil); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	sender := &captureSender{}
	svc, _, _ := newTestService(t, Options{
		Template:             domain.EmailTemplate{Subject: "login", Body: "{{.Token}}"},
		Sender:               sender.send,
		LoginTokenExpiration: -time.Minute,
	})
	ctx := context.Background()

	if err := svc.RequestMagicLinkEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request link: %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.Params{"token": sender.sent[0]}, nil); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthenticateClearsAllTokens(t *testing.T) {
	sender := &captureSender{}
	svc, _, _ := newTestService(t, Options{
		Template: domain.EmailTemplate{Subject: "login", Body: "{{.Token}}"},
		Sender:   sender.send,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.RequestMagicLinkEmail(ctx, "alice@example.com"); err != nil {
			t.Fatalf("failed to request link: %v", err)
		}
	}

	if _, err := svc.Authenticate(ctx, domain.Params{"token": sender.sent[1]}, nil); err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	// The sibling token was cleared too.
	if _, err := svc.Authenticate(ctx, domain.Params{"token": sender.sent[0]}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for sibling token, got %v", err)
	}
}
