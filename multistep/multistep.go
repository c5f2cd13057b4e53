// Package multistep chains two or more authentication services into a
// strict sequential protocol. Progress is persisted on the user record
// under this service's slot; the caller carries only a capability
// reference (the service id) between steps, and the stored step counter
// is authoritative. Completing the last step yields a one-time token
// whose hash is stored server-side; that token is the actual login
// credential.
package multistep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// ServiceName is the slot the multi-step service owns on a user.
const ServiceName = "multi-step-authentication"

// State is the service blob under user.Services[ServiceName].
type State struct {
	// ID is the caller-facing capability reference, stable across steps.
	ID string `json:"id"`

	// NextStep is the only step index the server will accept next. Zero
	// means no chain is in progress.
	NextStep int `json:"next_step,omitempty"`

	// HashedToken is set once the final step succeeds; the plaintext
	// went to the caller and is never stored.
	HashedToken string `json:"hashed_token,omitempty"`
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

// StepResult reports a completed step. Token is set only after the final
// step; a LoginResult follows from authenticating with it.
type StepResult struct {
	ServiceID string `json:"service_id"`
	NextStep  int    `json:"next_step,omitempty"`
	Token     string `json:"token,omitempty"`
	Completed bool   `json:"completed"`
}

// Options configures the service.
type Options struct {
	// Steps is the ordered chain; at least two services are required.
	Steps []domain.AuthenticationService

	Logger *zap.Logger
}

// Service is the multi-step authentication service.
type Service struct {
	store domain.Database
	steps []domain.AuthenticationService
	log   *zap.Logger
}

var (
	_ domain.AuthenticationService = (*Service)(nil)
	_ domain.ServiceActions        = (*Service)(nil)
)

func NewService(options Options) (*Service, error) {
	if len(options.Steps) < 2 {
		return nil, errors.New("multistep: at least two steps are required")
	}
	s := &Service{steps: options.Steps, log: options.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

func (s *Service) Name() string { return ServiceName }

func (s *Service) Link(deps domain.ServiceDeps) {
	s.store = deps.Store
	for _, step := range s.steps {
		step.Link(deps)
	}
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (s *Service) saveState(ctx context.Context, userID string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.store.SetService(ctx, userID, ServiceName, domain.JSON(raw))
}

// AuthenticateStep runs one step of the chain. The first step runs the
// inner service directly and mints the chain's service id; every later
// step requires the service id. A step is accepted only when its index
// matches the stored counter — replayed, skipped, and mid-chain restart
// attempts are all rejected.
func (s *Service) AuthenticateStep(ctx context.Context, step int, params domain.Params, info *domain.ConnectionInfo) (*StepResult, error) {
	if step < 0 || step >= len(s.steps) {
		return nil, fmt.Errorf("multistep: step %d out of range", step)
	}

	if step == 0 {
		user, err := s.steps[0].Authenticate(ctx, params, info)
		if err != nil {
			return nil, fmt.Errorf("multistep: step 0: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("multistep: step 0: %w", domain.ErrInvalidCredentials)
		}
		existing, err := StateFromUser(user)
		if err != nil {
			return nil, fmt.Errorf("multistep: step 0: %w", err)
		}
		// The stored counter is authoritative at every index, including
		// the first: a chain in progress cannot be restarted from the top.
		if existing.NextStep != 0 {
			return nil, fmt.Errorf("multistep: step 0: %w", domain.ErrNotAuthorized)
		}
		serviceID := hashHex(user.ID)
		if err := s.saveState(ctx, user.ID, &State{ID: serviceID, NextStep: 1}); err != nil {
			return nil, fmt.Errorf("multistep: step 0: %w", err)
		}
		s.log.Debug("multi-step chain started", zap.String("user_id", user.ID))
		return &StepResult{ServiceID: serviceID, NextStep: 1}, nil
	}

	var req struct {
		ServiceID string `json:"service_id"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, err)
	}
	if req.ServiceID == "" {
		return nil, fmt.Errorf("multistep: step %d: a service id is required", step)
	}

	user, err := s.store.FindUserByServiceID(ctx, ServiceName, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, err)
	}
	if user == nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, domain.ErrUserNotFound)
	}
	state, err := StateFromUser(user)
	if err != nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, err)
	}
	if state.NextStep != step {
		return nil, fmt.Errorf("multistep: step %d: %w", step, domain.ErrNotAuthorized)
	}

	stepUser, err := s.steps[step].Authenticate(ctx, params, info)
	if err != nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, err)
	}
	if stepUser == nil || stepUser.ID != user.ID {
		return nil, fmt.Errorf("multistep: step %d: %w", step, domain.ErrInvalidCredentials)
	}

	if step < len(s.steps)-1 {
		state.NextStep = step + 1
		if err := s.saveState(ctx, user.ID, state); err != nil {
			return nil, fmt.Errorf("multistep: step %d: %w", step, err)
		}
		return &StepResult{ServiceID: state.ID, NextStep: state.NextStep}, nil
	}

	// Final step: mint the one-time completion token, keep only its hash.
	token := uuid.New().String()
	state.NextStep = 0
	state.HashedToken = hashHex(token)
	if err := s.saveState(ctx, user.ID, state); err != nil {
		return nil, fmt.Errorf("multistep: step %d: %w", step, err)
	}
	s.log.Debug("multi-step chain completed", zap.String("user_id", user.ID))
	return &StepResult{ServiceID: state.ID, Token: token, Completed: true}, nil
}

// Authenticate is the chain's login call: the service id plus the
// plaintext completion token from the final step.
func (s *Service) Authenticate(ctx context.Context, params domain.Params, info *domain.ConnectionInfo) (*domain.User, error) {
	var req struct {
		ServiceID string `json:"service_id"`
		Token     string `json:"token"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return nil, fmt.Errorf("multistep: authenticate: %w", err)
	}
	if req.ServiceID == "" || req.Token == "" {
		return nil, errors.New("multistep: authenticate: a service id and a token are required")
	}

	user, err := s.store.FindUserByServiceID(ctx, ServiceName, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("multistep: authenticate: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("multistep: authenticate: %w", domain.ErrUserNotFound)
	}
	state, err := StateFromUser(user)
	if err != nil {
		return nil, fmt.Errorf("multistep: authenticate: %w", err)
	}
	if state.HashedToken == "" {
		return nil, errors.New("multistep: authenticate: the step chain is not complete")
	}
	if hashHex(req.Token) != state.HashedToken {
		return nil, fmt.Errorf("multistep: authenticate: %w", domain.ErrInvalidCredentials)
	}
	return user, nil
}

// UseService dispatches transport-level actions.
func (s *Service) UseService(ctx context.Context, action string, params domain.Params, info *domain.ConnectionInfo) (any, error) {
	switch action {
	case "authenticateStep":
		var req struct {
			Step int `json:"step"`
		}
		if err := domain.DecodeParams(params, &req); err != nil {
			return nil, err
		}
		return s.AuthenticateStep(ctx, req.Step, params, info)
	default:
		return nil, fmt.Errorf("multistep: unknown action %q", action)
	}
}
