package asymmetric

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/memdb"
)

func newTestService(t *testing.T, options Options) (*Service, string) {
	t.Helper()
	db := memdb.New()
	userID, err := db.CreateUser(context.Background(), domain.CreateUserFields{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	svc := NewService(options)
	svc.Link(domain.ServiceDeps{Store: db})
	return svc, userID
}

func newKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv
}

func signParams(userID, nonce string, priv ed25519.PrivateKey) domain.Params {
	sig := ed25519.Sign(priv, []byte(nonce))
	return domain.Params{
		"user_id":   userID,
		"nonce":     nonce,
		"signature": base64.StdEncoding.EncodeToString(sig),
	}
}

func TestChallengeAndAuthenticate(t *testing.T) {
	svc, userID := newTestService(t, Options{})
	ctx := context.Background()
	pub, priv := newKeyPair(t)

	// No challenge before a key is enrolled.
	if _, err := svc.RequestChallenge(ctx, userID); err == nil {
		t.Fatal("expected error for a user without a public key")
	}

	if err := svc.SetPublicKey(ctx, userID, pub); err != nil {
		t.Fatalf("failed to set public key: %v", err)
	}
	nonce, err := svc.RequestChallenge(ctx, userID)
	if err != nil {
		t.Fatalf("failed to request challenge: %v", err)
	}

	user, err := svc.Authenticate(ctx, signParams(userID, nonce, priv), nil)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if user.ID != userID {
		t.Errorf("expected user %s, got %s", userID, user.ID)
	}

	// Challenges are single use.
	if _, err := svc.Authenticate(ctx, signParams(userID, nonce, priv), nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for a consumed nonce, got %v", err)
	}
}

func TestRejectsWrongKey(t *testing.T) {
	svc, userID := newTestService(t, Options{})
	ctx := context.Background()
	pub, _ := newKeyPair(t)
	_, wrongPriv := newKeyPair(t)

	if err := svc.SetPublicKey(ctx, userID, pub); err != nil {
		t.Fatalf("failed to set public key: %v", err)
	}
	nonce, err := svc.RequestChallenge(ctx, userID)
	if err != nil {
		t.Fatalf("failed to request challenge: %v", err)
	}

	if _, err := svc.Authenticate(ctx, signParams(userID, nonce, wrongPriv), nil); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for a foreign signature, got %v", err)
	}
}

func TestRejectsUnknownNonce(t *testing.T) {
	svc, userID := newTestService(t, Options{})
	ctx := context.Background()
	pub, priv := newKeyPair(t)

	if err := svc.SetPublicKey(ctx, userID, pub); err != nil {
		t.Fatalf("failed to set public key: %v", err)
	}
	if _, err := svc.Authenticate(ctx, signParams(userID, "made-up", priv), nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestExpiredChallenge(t *testing.T) {
	svc, userID := newTestService(t, Options{ChallengeExpiration: -time.Minute})
	ctx := context.Background()
	pub, priv := newKeyPair(t)

	if err := svc.SetPublicKey(ctx, userID, pub); err != nil {
		t.Fatalf("failed to set public key: %v", err)
	}
	nonce, err := svc.RequestChallenge(ctx, userID)
	if err != nil {
		t.Fatalf("failed to request challenge: %v", err)
	}
	if _, err := svc.Authenticate(ctx, signParams(userID, nonce, priv), nil); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRejectsMalformedKey(t *testing.T) {
	svc, userID := newTestService(t, Options{})
	ctx := context.Background()

	if err := svc.SetPublicKey(ctx, userID, "not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if err := svc.SetPublicKey(ctx, userID, base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for a key of the wrong size")
	}
}
