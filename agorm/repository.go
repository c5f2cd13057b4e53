// Package agorm implements domain.Database on GORM. Emails, per-service
// blobs, and expiring tokens live in relational side tables so lookups
// stay indexable across sqlite, postgres, and mysql; materializing a
// user folds the side tables back into the blob shapes the services
// expect.
package agorm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/getaccounts/accounts/audit"
	"github.com/getaccounts/accounts/domain"
)

// Repository is the GORM-backed storage adapter.
type Repository struct {
	db *gorm.DB
}

var (
	_ domain.Database = (*Repository)(nil)
	_ audit.Store     = (*Repository)(nil)
)

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB { return r.db }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&gormUser{},
		&gormEmail{},
		&gormService{},
		&gormToken{},
		&gormSession{},
		&gormAuthenticator{},
		&gormMfaChallenge{},
		&gormAuditEvent{},
	)
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ---- users ----

func (r *Repository) CreateUser(ctx context.Context, fields domain.CreateUserFields) (string, error) {
	id := uuid.New().String()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&gormUser{ID: id, Username: fields.Username}).Error; err != nil {
			return err
		}
		if fields.Email != "" {
			if err := tx.Create(&gormEmail{UserID: id, Address: fields.Email}).Error; err != nil {
				return err
			}
		}
		for name, data := range fields.Services {
			if err := tx.Create(&gormService{
				UserID:    id,
				Name:      name,
				ServiceID: blobID(data),
				Data:      data,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// blobID extracts a blob's top-level "id" field, mirrored into the
// service row for indexed lookup.
func blobID(data domain.JSON) string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.ID
}

// loadUser materializes a user: relational rows are folded back into the
// per-service blob shapes (login_tokens, reset, verification_tokens).
func (r *Repository) loadUser(ctx context.Context, id string) (*domain.User, error) {
	var gu gormUser
	err := r.db.WithContext(ctx).
		Preload("Emails").
		Preload("Services").
		Preload("Tokens").
		First(&gu, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		ID:          gu.ID,
		Username:    gu.Username,
		Deactivated: gu.Deactivated,
		CreatedAt:   gu.CreatedAt,
		UpdatedAt:   gu.UpdatedAt,
		Services:    make(map[string]domain.JSON),
	}
	for _, e := range gu.Emails {
		user.Emails = append(user.Emails, domain.EmailRecord{Address: e.Address, Verified: e.Verified})
	}
	for _, s := range gu.Services {
		user.Services[s.Name] = s.Data
	}

	loginTokens := make(map[string][]domain.TokenRecord)
	var resetTokens, verificationTokens []domain.TokenRecord
	for _, t := range gu.Tokens {
		switch t.Kind {
		case tokenKindLogin:
			loginTokens[t.ServiceName] = append(loginTokens[t.ServiceName], t.record())
		case tokenKindReset:
			resetTokens = append(resetTokens, t.record())
		case tokenKindVerification:
			verificationTokens = append(verificationTokens, t.record())
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

func (r *Repository) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	return r.loadUser(ctx, id)
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var ge gormEmail
	err := r.db.WithContext(ctx).First(&ge, "address = ?", email).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadUser(ctx, ge.UserID)
}

func (r *Repository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var gu gormUser
	err := r.db.WithContext(ctx).First(&gu, "username = ?", username).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadUser(ctx, gu.ID)
}

func (r *Repository) FindUserByServiceID(ctx context.Context, serviceName, serviceID string) (*domain.User, error) {
	var gs gormService
	err := r.db.WithContext(ctx).
		First(&gs, "name = ? AND service_id = ?", serviceName, serviceID).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadUser(ctx, gs.UserID)
}

func (r *Repository) SetUsername(ctx context.Context, userID, username string) error {
	return r.db.WithContext(ctx).Model(&gormUser{}).
		Where("id = ?", userID).
		Update("username", username).Error
}

func (r *Repository) SetService(ctx context.Context, userID, serviceName string, data domain.JSON) error {
	db := r.db.WithContext(ctx)
	var gs gormService
	err := db.First(&gs, "user_id = ? AND name = ?", userID, serviceName).Error
	if notFound(err) {
		return db.Create(&gormService{
			UserID:    userID,
			Name:      serviceName,
			ServiceID: blobID(data),
			Data:      data,
		}).Error
	}
	if err != nil {
		return err
	}
	return db.Model(&gs).Updates(map[string]any{
		"service_id": blobID(data),
		"data":       data,
	}).Error
}

func (r *Repository) UnsetService(ctx context.Context, userID, serviceName string) error {
	return r.db.WithContext(ctx).
		Delete(&gormService{}, "user_id = ? AND name = ?", userID, serviceName).Error
}

func (r *Repository) SetUserDeactivated(ctx context.Context, userID string, deactivated bool) error {
	return r.db.WithContext(ctx).Model(&gormUser{}).
		Where("id = ?", userID).
		Update("deactivated", deactivated).Error
}

func (r *Repository) FindPasswordHash(ctx context.Context, userID string) (string, error) {
	var gs gormService
	err := r.db.WithContext(ctx).First(&gs, "user_id = ? AND name = ?", userID, "password").Error
	if notFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var blob struct {
		Bcrypt string `json:"bcrypt"`
	}
	if len(gs.Data) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(gs.Data, &blob); err != nil {
		return "", err
	}
	return blob.Bcrypt, nil
}

func (r *Repository) SetPassword(ctx context.Context, userID, hash string) error {
	db := r.db.WithContext(ctx)
	var gs gormService
	err := db.First(&gs, "user_id = ? AND name = ?", userID, "password").Error
	if err != nil && !notFound(err) {
		return err
	}

	blob := make(map[string]any)
	if err == nil && len(gs.Data) > 0 {
		if err := json.Unmarshal(gs.Data, &blob); err != nil {
			return err
		}
	}
	blob["bcrypt"] = hash
	data, merr := json.Marshal(blob)
	if merr != nil {
		return merr
	}
	if notFound(err) {
		return db.Create(&gormService{UserID: userID, Name: "password", Data: domain.JSON(data)}).Error
	}
	return db.Model(&gs).Update("data", domain.JSON(data)).Error
}

func (r *Repository) AddEmail(ctx context.Context, userID, address string, verified bool) error {
	return r.db.WithContext(ctx).Create(&gormEmail{
		UserID:   userID,
		Address:  address,
		Verified: verified,
	}).Error
}

func (r *Repository) RemoveEmail(ctx context.Context, userID, address string) error {
	return r.db.WithContext(ctx).
		Delete(&gormEmail{}, "user_id = ? AND address = ?", userID, address).Error
}

func (r *Repository) VerifyEmail(ctx context.Context, userID, address string) error {
	return r.db.WithContext(ctx).Model(&gormEmail{}).
		Where("user_id = ? AND address = ?", userID, address).
		Update("verified", true).Error
}

// ---- sessions ----

func (r *Repository) CreateSession(ctx context.Context, session *domain.Session) (string, error) {
	gs := fromCoreSession(session)
	if gs.ID == "" {
		gs.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(gs).Error; err != nil {
		return "", err
	}
	return gs.ID, nil
}

func (r *Repository) FindSessionByID(ctx context.Context, id string) (*domain.Session, error) {
	var gs gormSession
	err := r.db.WithContext(ctx).First(&gs, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoreSession(&gs), nil
}

func (r *Repository) FindSessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	var gs gormSession
	err := r.db.WithContext(ctx).First(&gs, "token = ?", token).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoreSession(&gs), nil
}

func (r *Repository) UpdateSession(ctx context.Context, id string, info domain.ConnectionInfo) error {
	return r.db.WithContext(ctx).Model(&gormSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ip":         info.IP,
			"user_agent": info.UserAgent,
		}).Error
}

func (r *Repository) InvalidateSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&gormSession{}).
		Where("id = ?", id).
		Update("valid", false).Error
}

func (r *Repository) InvalidateAllSessions(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&gormSession{}).
		Where("user_id = ?", userID).
		Update("valid", false).Error
}

// ---- tokens ----

func (r *Repository) addToken(ctx context.Context, t *gormToken) error {
	t.CreatedAt = time.Now()
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repository) findUserByToken(ctx context.Context, kind, serviceName, token string) (*domain.User, error) {
	query := r.db.WithContext(ctx).Where("kind = ? AND token = ?", kind, token)
	if serviceName != "" {
		query = query.Where("service_name = ?", serviceName)
	}
	var gt gormToken
	err := query.First(&gt).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.loadUser(ctx, gt.UserID)
}

func (r *Repository) AddEmailVerificationToken(ctx context.Context, userID, address, token string) error {
	return r.addToken(ctx, &gormToken{
		UserID:      userID,
		ServiceName: "email",
		Kind:        tokenKindVerification,
		Token:       token,
		Address:     address,
	})
}

func (r *Repository) FindUserByEmailVerificationToken(ctx context.Context, token string) (*domain.User, error) {
	return r.findUserByToken(ctx, tokenKindVerification, "", token)
}

func (r *Repository) AddResetPasswordToken(ctx context.Context, userID, address, token, reason string) error {
	return r.addToken(ctx, &gormToken{
		UserID:      userID,
		ServiceName: "password",
		Kind:        tokenKindReset,
		Token:       token,
		Address:     address,
		Reason:      reason,
	})
}

func (r *Repository) FindUserByResetPasswordToken(ctx context.Context, token string) (*domain.User, error) {
	return r.findUserByToken(ctx, tokenKindReset, "", token)
}

func (r *Repository) RemoveAllResetPasswordTokens(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormToken{}, "user_id = ? AND kind = ?", userID, tokenKindReset).Error
}

func (r *Repository) AddLoginToken(ctx context.Context, serviceName, userID, address, token string) error {
	return r.addToken(ctx, &gormToken{
		UserID:      userID,
		ServiceName: serviceName,
		Kind:        tokenKindLogin,
		Token:       token,
		Address:     address,
	})
}

func (r *Repository) FindUserByLoginToken(ctx context.Context, serviceName, token string) (*domain.User, error) {
	return r.findUserByToken(ctx, tokenKindLogin, serviceName, token)
}

func (r *Repository) RemoveAllLoginTokens(ctx context.Context, serviceName, userID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormToken{}, "user_id = ? AND service_name = ? AND kind = ?", userID, serviceName, tokenKindLogin).Error
}

// ---- mfa ----

func (r *Repository) CreateAuthenticator(ctx context.Context, authenticator *domain.Authenticator) (string, error) {
	ga := &gormAuthenticator{
		ID:      authenticator.ID,
		Type:    authenticator.Type,
		UserID:  authenticator.UserID,
		Active:  authenticator.Active,
		Secrets: authenticator.Secrets,
	}
	if ga.ID == "" {
		ga.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(ga).Error; err != nil {
		return "", err
	}
	return ga.ID, nil
}

func (r *Repository) FindAuthenticatorByID(ctx context.Context, id string) (*domain.Authenticator, error) {
	var ga gormAuthenticator
	err := r.db.WithContext(ctx).First(&ga, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoreAuthenticator(&ga), nil
}

func (r *Repository) FindUserAuthenticators(ctx context.Context, userID string) ([]*domain.Authenticator, error) {
	var rows []gormAuthenticator
	if err := r.db.WithContext(ctx).Find(&rows, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	authenticators := make([]*domain.Authenticator, 0, len(rows))
	for i := range rows {
		authenticators = append(authenticators, toCoreAuthenticator(&rows[i]))
	}
	return authenticators, nil
}

func (r *Repository) UpdateAuthenticator(ctx context.Context, id string, secrets domain.JSON) error {
	return r.db.WithContext(ctx).Model(&gormAuthenticator{}).
		Where("id = ?", id).
		Update("secrets", secrets).Error
}

func (r *Repository) ActivateAuthenticator(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&gormAuthenticator{}).
		Where("id = ?", id).
		Update("active", true).Error
}

func (r *Repository) DeactivateAuthenticator(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&gormAuthenticator{}).
		Where("id = ?", id).
		Update("active", false).Error
}

func (r *Repository) CreateMfaChallenge(ctx context.Context, challenge *domain.MfaChallenge) (string, error) {
	gc := &gormMfaChallenge{
		ID:              challenge.ID,
		UserID:          challenge.UserID,
		AuthenticatorID: challenge.AuthenticatorID,
		Token:           challenge.Token,
		Scope:           challenge.Scope,
		Deactivated:     challenge.Deactivated,
	}
	if gc.ID == "" {
		gc.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(gc).Error; err != nil {
		return "", err
	}
	return gc.ID, nil
}

func (r *Repository) FindMfaChallengeByToken(ctx context.Context, token string) (*domain.MfaChallenge, error) {
	var gc gormMfaChallenge
	err := r.db.WithContext(ctx).First(&gc, "token = ?", token).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoreMfaChallenge(&gc), nil
}

func (r *Repository) UpdateMfaChallenge(ctx context.Context, id, authenticatorID string) error {
	return r.db.WithContext(ctx).Model(&gormMfaChallenge{}).
		Where("id = ?", id).
		Update("authenticator_id", authenticatorID).Error
}

func (r *Repository) DeactivateMfaChallenge(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&gormMfaChallenge{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"deactivated":    true,
			"deactivated_at": &now,
		}).Error
}

// ---- audit ----

func (r *Repository) SaveEvent(ctx context.Context, event *audit.Event) error {
	return r.db.WithContext(ctx).Create(fromCoreAuditEvent(event)).Error
}
