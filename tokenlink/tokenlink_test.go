package tokenlink

import (
	"context"
	"errors"
	"testing"

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
	options.Template = domain.EmailTemplate{Subject: "token", Body: "{{.Token}}"}
	svc := NewService(options)
	svc.Link(domain.ServiceDeps{Store: db})
	return svc, sender, userID
}

func TestTokenReusableByDefault(t *testing.T) {
	svc, sender, userID := newTestService(t, Options{})
	ctx := context.Background()

	if err := svc.RequestTokenEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request token: %v", err)
	}
	token := sender.sent[0]

	for i := 0; i < 2; i++ {
		user, err := svc.Authenticate(ctx, domain.Params{"token": token}, nil)
		if err != nil {
			t.Fatalf("authentication %d failed: %v", i+1, err)
		}
		if user.ID != userID {
			t.Errorf("expected user %s, got %s", userID, user.ID)
		}
	}
}

func TestRemoveTokensAfterUse(t *testing.T) {
	svc, sender, _ := newTestService(t, Options{RemoveTokensAfterUse: true})
	ctx := context.Background()

	if err := svc.RequestTokenEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("failed to request token: %v", err)
	}
	token := sender.sent[0]

	if _, err := svc.Authenticate(ctx, domain.Params{"token": token}, nil); err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, domain.Params{"token": token}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for a consumed token, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	if _, err := svc.Authenticate(context.Background(), domain.Params{"token": "no-such-token"}, nil); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
