// Package asymmetric implements public-key challenge authentication. A
// user enrolls an Ed25519 public key; login is a signature over a
// server-issued, short-lived nonce.
package asymmetric

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// ServiceName is the slot the asymmetric service owns on a user.
const ServiceName = "asymmetric"

// DefaultChallengeExpiration bounds how long an issued nonce stays
// signable.
const DefaultChallengeExpiration = 2 * time.Minute

// State is the service blob under user.Services[ServiceName].
type State struct {
	// PublicKey is the user's Ed25519 public key, base64 encoded.
	PublicKey string `json:"public_key,omitempty"`

	// LoginTokens holds outstanding challenge nonces.
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
	ChallengeExpiration time.Duration
	Logger              *zap.Logger
}

// Service is the asymmetric-key authentication service.
type Service struct {
	store domain.Database
	ttl   time.Duration
	log   *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) *Service {
	s := &Service{ttl: options.ChallengeExpiration, log: options.Logger}
	if s.ttl == 0 {
		s.ttl = DefaultChallengeExpiration
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

// SetPublicKey enrolls (or replaces) the user's public key.
func (s *Service) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("asymmetric: set public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return errors.New("asymmetric: set public key: not an ed25519 public key")
	}
	state, err := json.Marshal(&State{PublicKey: publicKey})
	if err != nil {
		return fmt.Errorf("asymmetric: set public key: %w", err)
	}
	if err := s.store.SetService(ctx, userID, ServiceName, domain.JSON(state)); err != nil {
		return fmt.Errorf("asymmetric: set public key: %w", err)
	}
	return nil
}

// RequestChallenge issues a nonce the caller must sign to log in.
func (s *Service) RequestChallenge(ctx context.Context, userID string) (string, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("asymmetric: challenge: %w", err)
	}
	if user == nil {
		return "", fmt.Errorf("asymmetric: challenge: %w", domain.ErrUserNotFound)
	}
	state, err := StateFromUser(user)
	if err != nil {
		return "", fmt.Errorf("asymmetric: challenge: %w", err)
	}
	if state.PublicKey == "" {
		return "", errors.New("asymmetric: challenge: user has no public key enrolled")
	}

	nonce := uuid.New().String()
	if err := s.store.AddLoginToken(ctx, ServiceName, userID, "", nonce); err != nil {
		return "", fmt.Errorf("asymmetric: challenge: %w", err)
	}
	s.log.Debug("signature challenge issued", zap.String("user_id", userID))
	return nonce, nil
}

// Authenticate verifies the signature over an outstanding nonce. The
// nonce set is cleared on success, making challenges single use.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		UserID    string `json:"user_id"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", err)
	}
	if req.UserID == "" || req.Nonce == "" || req.Signature == "" {
		return nil, errors.New("asymmetric: authenticate: user id, nonce, and signature are required")
	}

	user, err := s.store.FindUserByID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", domain.ErrUserNotFound)
	}

	state, err := StateFromUser(user)
	if err != nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", err)
	}
	if state.PublicKey == "" {
		return nil, errors.New("asymmetric: authenticate: user has no public key enrolled")
	}

	var record *domain.TokenRecord
	for i := range state.LoginTokens {
		if state.LoginTokens[i].Token == req.Nonce {
			record = &state.LoginTokens[i]
			break
		}
	}
	if record == nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", domain.ErrTokenNotFound)
	}
	if record.Expired(s.ttl) {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", domain.ErrTokenExpired)
	}

	pub, err := base64.StdEncoding.DecodeString(state.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("asymmetric: authenticate: stored public key is corrupt")
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", domain.ErrInvalidCredentials)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(req.Nonce), sig) {
		return nil, fmt.Errorf("asymmetric: authenticate: bad signature: %w", domain.ErrInvalidCredentials)
	}

	if err := s.store.RemoveAllLoginTokens(ctx, ServiceName, user.ID); err != nil {
		return nil, fmt.Errorf("asymmetric: authenticate: %w", err)
	}
	return user, nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "requestChallenge":
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		nonce, err := s.RequestChallenge(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"nonce": nonce}, nil
	case "setPublicKey":
		var req struct {
			UserID    string `json:"user_id"`
			PublicKey string `json:"public_key"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return nil, s.SetPublicKey(ctx, req.UserID, req.PublicKey)
	default:
		return nil, fmt.Errorf("asymmetric: unknown action %q", action)
	}
}
