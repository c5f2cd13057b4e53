package password

import (
	"encoding/json"

	"github.com/getaccounts/accounts/domain"
)

const (
	// ServiceName is the slot the password service owns on a user.
	ServiceName = "password"

	// EmailServiceName is the slot holding email verification tokens.
	EmailServiceName = "email"
)

// State is the password service's blob under user.Services[ServiceName].
// Storage adapters maintain the same shape when indexing reset tokens.
type State struct {
	Bcrypt string               `json:"bcrypt,omitempty"`
	Reset  []domain.TokenRecord `json:"reset,omitempty"`
}

// EmailState is the blob under user.Services[EmailServiceName].
type EmailState struct {
	VerificationTokens []domain.TokenRecord `json:"verification_tokens,omitempty"`
}

func encodeState(s *State) (domain.JSON, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return domain.JSON(raw), nil
}

// StateFromUser decodes the password blob; absent state decodes to zero.
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

// EmailStateFromUser decodes the verification-token blob.
func EmailStateFromUser(u *domain.User) (*EmailState, error) {
	var s EmailState
	raw, ok := u.Services[EmailServiceName]
	if !ok || len(raw) == 0 {
		return &s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
