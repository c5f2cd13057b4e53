package mfa

import (
	"context"
	"encoding/base32"
	"errors"
	"testing"
	"time"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/memdb"
)

type mfaFixture struct {
	db          *memdb.Store
	otp         *OTP
	coordinator *Mfa
	service     *Service
	userID      string
}

func newMfaFixture(t *testing.T) *mfaFixture {
	t.Helper()
	db := memdb.New()
	userID, err := db.CreateUser(context.Background(), domain.CreateUserFields{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	otp := NewOTP()
	now := time.Unix(1_700_000_000, 0)
	otp.now = func() time.Time { return now }

	coordinator := New(db, Options{Factors: []AuthenticatorService{otp}})
	service := NewService(coordinator)
	service.Link(domain.ServiceDeps{Store: db})

	return &mfaFixture{db: db, otp: otp, coordinator: coordinator, service: service, userID: userID}
}

// enroll associates an otp factor and returns the authenticator id and a
// code generator bound to the enrolled secret.
func (f *mfaFixture) enroll(t *testing.T, userID string) (string, func() string) {
	t.Helper()
	result, err := f.coordinator.Associate(context.Background(), userID, OTPType, nil)
	if err != nil {
		t.Fatalf("failed to associate: %v", err)
	}
	secret, _ := result.Response["secret"].(string)
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		t.Fatalf("bad enrollment secret: %v", err)
	}
	return result.AuthenticatorID, func() string {
		return hotp(key, uint64(f.otp.now().Unix()/30))
	}
}

func (f *mfaFixture) challenge(t *testing.T, userID, token string) {
	t.Helper()
	if _, err := f.db.CreateMfaChallenge(context.Background(), &domain.MfaChallenge{
		UserID: userID,
		Token:  token,
	}); err != nil {
		t.Fatalf("failed to create challenge: %v", err)
	}
}

func TestChallengeOnLoginWithoutActiveFactor(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	token, required, err := f.coordinator.ChallengeOnLogin(ctx, f.userID, nil)
	if err != nil {
		t.Fatalf("challenge on login errored: %v", err)
	}
	if required || token != "" {
		t.Fatal("expected no challenge for a user without authenticators")
	}

	// A pending, never-verified enrollment does not require a challenge
	// either.
	f.enroll(t, f.userID)
	if _, required, _ := f.coordinator.ChallengeOnLogin(ctx, f.userID, nil); required {
		t.Fatal("expected no challenge for an inactive enrollment")
	}
}

func TestEnrollmentAndLoginFlow(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	authenticatorID, code := f.enroll(t, f.userID)
	f.challenge(t, f.userID, "chal-1")

	res, err := f.coordinator.Challenge(ctx, "chal-1", authenticatorID, nil, nil)
	if err != nil {
		t.Fatalf("failed to attach authenticator: %v", err)
	}
	if res.AuthenticatorID != authenticatorID || res.MfaToken != "chal-1" {
		t.Fatalf("unexpected challenge result: %+v", res)
	}

	user, err := f.service.Authenticate(ctx, domain.Params{
		"mfa_token": "chal-1",
		"code":      code(),
	}, nil)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	if user.ID != f.userID {
		t.Errorf("expected user %s, got %s", f.userID, user.ID)
	}

	// First use confirms the enrollment.
	authenticator, err := f.db.FindAuthenticatorByID(ctx, authenticatorID)
	if err != nil {
		t.Fatalf("failed to load authenticator: %v", err)
	}
	if !authenticator.Active {
		t.Error("expected the authenticator to be active after first use")
	}

	// The challenge is consumed and cannot be replayed.
	if _, err := f.service.Authenticate(ctx, domain.Params{
		"mfa_token": "chal-1",
		"code":      code(),
	}, nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for a consumed challenge, got %v", err)
	}

	// With an active authenticator, the next login is challenged.
	token, required, err := f.coordinator.ChallengeOnLogin(ctx, f.userID, nil)
	if err != nil {
		t.Fatalf("challenge on login errored: %v", err)
	}
	if !required || token == "" {
		t.Fatal("expected a challenge for a user with an active authenticator")
	}
}

func TestWrongCodeLeavesChallengeOpen(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	authenticatorID, code := f.enroll(t, f.userID)
	f.challenge(t, f.userID, "chal-1")
	if _, err := f.coordinator.Challenge(ctx, "chal-1", authenticatorID, nil, nil); err != nil {
		t.Fatalf("failed to attach authenticator: %v", err)
	}

	if _, err := f.service.Authenticate(ctx, domain.Params{
		"mfa_token": "chal-1",
		"code":      "000000",
	}, nil); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	// A wrong code does not consume the challenge.
	if _, err := f.service.Authenticate(ctx, domain.Params{
		"mfa_token": "chal-1",
		"code":      code(),
	}, nil); err != nil {
		t.Fatalf("expected the retry to succeed: %v", err)
	}
}

func TestCrossUserAuthenticatorRejected(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	otherID, err := f.db.CreateUser(ctx, domain.CreateUserFields{Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	authenticatorID, _ := f.enroll(t, f.userID)
	f.challenge(t, otherID, "chal-bob")

	if _, err := f.coordinator.Challenge(ctx, "chal-bob", authenticatorID, nil, nil); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for another user's authenticator, got %v", err)
	}
}

func TestAssociateByMfaTokenRequiresAssociateScope(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	// A login-scoped challenge cannot start an enrollment.
	f.challenge(t, f.userID, "chal-login")
	if _, err := f.coordinator.AssociateByMfaToken(ctx, "chal-login", OTPType, nil); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for a login-scoped challenge, got %v", err)
	}

	if _, err := f.db.CreateMfaChallenge(ctx, &domain.MfaChallenge{
		UserID: f.userID,
		Token:  "chal-assoc",
		Scope:  domain.MfaChallengeScopeAssociate,
	}); err != nil {
		t.Fatalf("failed to create challenge: %v", err)
	}

	result, err := f.coordinator.AssociateByMfaToken(ctx, "chal-assoc", OTPType, nil)
	if err != nil {
		t.Fatalf("failed to associate by token: %v", err)
	}
	if result.MfaToken != "chal-assoc" || result.AuthenticatorID == "" {
		t.Fatalf("unexpected association result: %+v", result)
	}

	challenge, err := f.db.FindMfaChallengeByToken(ctx, "chal-assoc")
	if err != nil {
		t.Fatalf("failed to load challenge: %v", err)
	}
	if challenge.AuthenticatorID != result.AuthenticatorID {
		t.Error("expected the new authenticator to be attached to the challenge")
	}
}

func TestFindAuthenticatorsByMfaTokenFiltersInactive(t *testing.T) {
	f := newMfaFixture(t)
	ctx := context.Background()

	activeID, _ := f.enroll(t, f.userID)
	if err := f.db.ActivateAuthenticator(ctx, activeID); err != nil {
		t.Fatalf("failed to activate authenticator: %v", err)
	}
	f.enroll(t, f.userID) // stays inactive

	f.challenge(t, f.userID, "chal-1")
	authenticators, err := f.coordinator.FindUserAuthenticatorsByMfaToken(ctx, "chal-1")
	if err != nil {
		t.Fatalf("failed to list authenticators: %v", err)
	}
	if len(authenticators) != 1 || authenticators[0].ID != activeID {
		t.Fatalf("expected only the active authenticator, got %+v", authenticators)
	}
	if authenticators[0].Secrets != nil {
		t.Error("expected the listed authenticator to be sanitized")
	}

	// The full listing, by contrast, includes pending enrollments.
	all, err := f.coordinator.FindUserAuthenticators(ctx, f.userID)
	if err != nil {
		t.Fatalf("failed to list authenticators: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two authenticators, got %d", len(all))
	}
}
