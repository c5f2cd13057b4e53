// Package memdb implements domain.Database in process memory. It backs
// tests and throwaway development setups; everything is lost on restart.
// The data layout mirrors the agorm adapter: emails, service blobs, and
// expiring tokens are kept in separate indexes and folded back into the
// documented blob shapes when a user is materialized.
package memdb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getaccounts/accounts/domain"
)

const (
	tokenKindLogin        = "login"
	tokenKindReset        = "reset"
	tokenKindVerification = "verification"
)

type userRecord struct {
	id          string
	username    string
	deactivated bool
	createdAt   time.Time
	updatedAt   time.Time
}

type emailRecord struct {
	userID   string
	address  string
	verified bool
}

type serviceRecord struct {
	userID    string
	name      string
	serviceID string
	data      domain.JSON
}

type tokenRow struct {
	userID      string
	serviceName string
	kind        string
	token       string
	address     string
	reason      string
	createdAt   time.Time
}

// Store is the in-memory database.
type Store struct {
	mu             sync.Mutex
	users          map[string]*userRecord
	emails         []*emailRecord
	services       []*serviceRecord
	tokens         []*tokenRow
	sessions       map[string]*domain.Session
	authenticators map[string]*domain.Authenticator
	challenges     map[string]*domain.MfaChallenge
}

var _ domain.Database = (*Store)(nil)

func New() *Store {
	return &Store{
		users:          make(map[string]*userRecord),
		sessions:       make(map[string]*domain.Session),
		authenticators: make(map[string]*domain.Authenticator),
		challenges:     make(map[string]*domain.MfaChallenge),
	}
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, fields domain.CreateUserFields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := time.Now()
	s.users[id] = &userRecord{
		id:        id,
		username:  fields.Username,
		createdAt: now,
		updatedAt: now,
	}
	if fields.Email != "" {
		s.emails = append(s.emails, &emailRecord{userID: id, address: fields.Email})
	}
	for name, data := range fields.Services {
		s.services = append(s.services, &serviceRecord{
			userID:    id,
			name:      name,
			serviceID: blobID(data),
			data:      data,
		})
	}
	return id, nil
}

func blobID(data domain.JSON) string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.ID
}

// loadUser materializes a user under s.mu.
func (s *Store) loadUser(id string) (*domain.User, error) {
	rec, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	user := &domain.User{
		ID:          rec.id,
		Username:    rec.username,
		Deactivated: rec.deactivated,
		CreatedAt:   rec.createdAt,
		UpdatedAt:   rec.updatedAt,
		Services:    make(map[string]domain.JSON),
	}
	for _, e := range s.emails {
		if e.userID == id {
			user.Emails = append(user.Emails, domain.EmailRecord{Address: e.address, Verified: e.verified})
		}
	}
	for _, svc := range s.services {
		if svc.userID == id {
			user.Services[svc.name] = svc.data
		}
	}

	loginTokens := make(map[string][]domain.TokenRecord)
	var resetTokens, verificationTokens []domain.TokenRecord
	for _, t := range s.tokens {
		if t.userID != id {
			continue
		}
		record := domain.TokenRecord{Token: t.token, Address: t.address, When: t.createdAt, Reason: t.reason}
		switch t.kind {
		case tokenKindLogin:
			loginTokens[t.serviceName] = append(loginTokens[t.serviceName], record)
		case tokenKindReset:
			resetTokens = append(resetTokens, record)
		case tokenKindVerification:
			verificationTokens = append(verificationTokens, record)
		}
	}
	for serviceName, records := range loginTokens {
		if err := mergeBlobKey(user.Services, serviceName, "login_tokens", records); err != nil {
			return nil, err
		}
	}
	if len(resetTokens) > 0 {
		if err := mergeBlobKey(user.Services, "password", "reset", resetTokens); err != nil {
			return nil, err
		}
	}
	if len(verificationTokens) > 0 {
		if err := mergeBlobKey(user.Services, "email", "verification_tokens", verificationTokens); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func mergeBlobKey(services map[string]domain.JSON, serviceName, key string, records []domain.TokenRecord) error {
	blob := make(map[string]any)
	if raw, ok := services[serviceName]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &blob); err != nil {
			return err
		}
	}
	blob[key] = records
	merged, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	services[serviceName] = domain.JSON(merged)
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUser(id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.address == email {
			return s.loadUser(e.userID)
		}
	}
	return nil, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.username == username && username != "" {
			return s.loadUser(u.id)
		}
	}
	return nil, nil
}

func (s *Store) FindUserByServiceID(ctx context.Context, serviceName, serviceID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.name == serviceName && svc.serviceID == serviceID && serviceID != "" {
			return s.loadUser(svc.userID)
		}
	}
	return nil, nil
}

func (s *Store) SetUsername(ctx context.Context, userID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.username = username
		u.updatedAt = time.Now()
	}
	return nil
}

func (s *Store) SetService(ctx context.Context, userID, serviceName string, data domain.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.userID == userID && svc.name == serviceName {
			svc.data = data
			svc.serviceID = blobID(data)
			return nil
		}
	}
	s.services = append(s.services, &serviceRecord{
		userID:    userID,
		name:      serviceName,
		serviceID: blobID(data),
		data:      data,
	})
	return nil
}

func (s *Store) UnsetService(ctx context.Context, userID, serviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.services[:0]
	for _, svc := range s.services {
		if !(svc.userID == userID && svc.name == serviceName) {
			kept = append(kept, svc)
		}
	}
	s.services = kept
	return nil
}

func (s *Store) SetUserDeactivated(ctx context.Context, userID string, deactivated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.deactivated = deactivated
		u.updatedAt = time.Now()
	}
	return nil
}

func (s *Store) FindPasswordHash(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.userID == userID && svc.name == "password" && len(svc.data) > 0 {
			var blob struct {
				Bcrypt string `json:"bcrypt"`
			}
			if err := json.Unmarshal(svc.data, &blob); err != nil {
				return "", err
			}
			return blob.Bcrypt, nil
		}
	}
	return "", nil
}

func (s *Store) SetPassword(ctx context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.userID == userID && svc.name == "password" {
			blob := make(map[string]any)
			if len(svc.data) > 0 {
				if err := json.Unmarshal(svc.data, &blob); err != nil {
					return err
				}
			}
			blob["bcrypt"] = hash
			data, err := json.Marshal(blob)
			if err != nil {
				return err
			}
			svc.data = domain.JSON(data)
			return nil
		}
	}
	data, err := json.Marshal(map[string]any{"bcrypt": hash})
	if err != nil {
		return err
	}
	s.services = append(s.services, &serviceRecord{userID: userID, name: "password", data: domain.JSON(data)})
	return nil
}

func (s *Store) AddEmail(ctx context.Context, userID, address string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, &emailRecord{userID: userID, address: address, verified: verified})
	return nil
}

func (s *Store) RemoveEmail(ctx context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.emails[:0]
	for _, e := range s.emails {
		if !(e.userID == userID && e.address == address) {
			kept = append(kept, e)
		}
	}
	s.emails = kept
	return nil
}

func (s *Store) VerifyEmail(ctx context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.userID == userID && e.address == address {
			e.verified = true
		}
	}
	return nil
}

// ---- sessions ----

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	now := time.Now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	s.sessions[copied.ID] = &copied
	return copied.ID, nil
}

func (s *Store) FindSessionByID(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *Store) FindSessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.Token == token {
			copied := *session
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, info domain.ConnectionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.IP = info.IP
		session.UserAgent = info.UserAgent
		session.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) InvalidateSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Valid = false
		session.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) InvalidateAllSessions(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.UserID == userID {
			session.Valid = false
			session.UpdatedAt = time.Now()
		}
	}
	return nil
}

// ---- tokens ----

func (s *Store) addToken(row *tokenRow) {
	row.createdAt = time.Now()
	s.tokens = append(s.tokens, row)
}

func (s *Store) findUserByToken(kind, serviceName, token string) (*domain.User, error) {
	for _, t := range s.tokens {
		if t.kind == kind && t.token == token && (serviceName == "" || t.serviceName == serviceName) {
			return s.loadUser(t.userID)
		}
	}
	return nil, nil
}

func (s *Store) AddEmailVerificationToken(ctx context.Context, userID, address, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addToken(&tokenRow{userID: userID, serviceName: "email", kind: tokenKindVerification, token: token, address: address})
	return nil
}

func (s *Store) FindUserByEmailVerificationToken(ctx context.Context, token string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByToken(tokenKindVerification, "", token)
}

func (s *Store) AddResetPasswordToken(ctx context.Context, userID, address, token, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addToken(&tokenRow{userID: userID, serviceName: "password", kind: tokenKindReset, token: token, address: address, reason: reason})
	return nil
}

func (s *Store) FindUserByResetPasswordToken(ctx context.Context, token string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByToken(tokenKindReset, "", token)
}

func (s *Store) RemoveAllResetPasswordTokens(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTokens(func(t *tokenRow) bool {
		return t.userID == userID && t.kind == tokenKindReset
	})
	return nil
}

func (s *Store) AddLoginToken(ctx context.Context, serviceName, userID, address, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addToken(&tokenRow{userID: userID, serviceName: serviceName, kind: tokenKindLogin, token: token, address: address})
	return nil
}

func (s *Store) FindUserByLoginToken(ctx context.Context, serviceName, token string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByToken(tokenKindLogin, serviceName, token)
}

func (s *Store) RemoveAllLoginTokens(ctx context.Context, serviceName, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTokens(func(t *tokenRow) bool {
		return t.userID == userID && t.serviceName == serviceName && t.kind == tokenKindLogin
	})
	return nil
}

func (s *Store) removeTokens(match func(*tokenRow) bool) {
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	s.tokens = kept
}

// ---- mfa ----

func (s *Store) CreateAuthenticator(ctx context.Context, authenticator *domain.Authenticator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *authenticator
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	now := time.Now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	s.authenticators[copied.ID] = &copied
	return copied.ID, nil
}

func (s *Store) FindAuthenticatorByID(ctx context.Context, id string) (*domain.Authenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authenticator, ok := s.authenticators[id]
	if !ok {
		return nil, nil
	}
	copied := *authenticator
	return &copied, nil
}

func (s *Store) FindUserAuthenticators(ctx context.Context, userID string) ([]*domain.Authenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Authenticator
	for _, a := range s.authenticators {
		if a.UserID == userID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *Store) UpdateAuthenticator(ctx context.Context, id string, secrets domain.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.authenticators[id]; ok {
		a.Secrets = secrets
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) ActivateAuthenticator(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.authenticators[id]; ok {
		a.Active = true
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) DeactivateAuthenticator(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.authenticators[id]; ok {
		a.Active = false
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) CreateMfaChallenge(ctx context.Context, challenge *domain.MfaChallenge) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *challenge
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	copied.CreatedAt = time.Now()
	s.challenges[copied.ID] = &copied
	return copied.ID, nil
}

func (s *Store) FindMfaChallengeByToken(ctx context.Context, token string) (*domain.MfaChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.challenges {
		if c.Token == token {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateMfaChallenge(ctx context.Context, id, authenticatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		c.AuthenticatorID = authenticatorID
	}
	return nil
}

func (s *Store) DeactivateMfaChallenge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		now := time.Now()
		c.Deactivated = true
		c.DeactivatedAt = &now
	}
	return nil
}
