package agorm

import (
	"time"

	"github.com/getaccounts/accounts/audit"
	"github.com/getaccounts/accounts/domain"
)

// Token kinds in the user_tokens table. Tokens are stored relationally
// for lookup; they are folded back into the owning service's blob when a
// user is materialized, so the core sees the documented blob shapes.
const (
	tokenKindLogin        = "login"
	tokenKindReset        = "reset"
	tokenKindVerification = "verification"
)

type gormUser struct {
	ID          string `gorm:"primaryKey"`
	Username    string `gorm:"index"`
	Deactivated bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Emails   []gormEmail   `gorm:"foreignKey:UserID"`
	Services []gormService `gorm:"foreignKey:UserID"`
	Tokens   []gormToken   `gorm:"foreignKey:UserID"`
}

func (gormUser) TableName() string { return "users" }

type gormEmail struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"index"`
	Address  string `gorm:"uniqueIndex"`
	Verified bool
}

func (gormEmail) TableName() string { return "user_emails" }

type gormService struct {
	ID     uint   `gorm:"primaryKey"`
	UserID string `gorm:"uniqueIndex:idx_user_service"`
	Name   string `gorm:"uniqueIndex:idx_user_service"`

	// ServiceID mirrors the blob's top-level "id" field for lookups
	// (oauth subjects, multi-step service ids).
	ServiceID string      `gorm:"index"`
	Data      domain.JSON `gorm:"type:json"`
}

func (gormService) TableName() string { return "user_services" }

type gormToken struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	ServiceName string `gorm:"index"`
	Kind        string `gorm:"index"`
	Token       string `gorm:"index"`
	Address     string
	Reason      string
	CreatedAt   time.Time
}

func (gormToken) TableName() string { return "user_tokens" }

func (t *gormToken) record() domain.TokenRecord {
	return domain.TokenRecord{
		Token:   t.Token,
		Address: t.Address,
		When:    t.CreatedAt,
		Reason:  t.Reason,
	}
}

type gormSession struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"index"`
	Token              string `gorm:"uniqueIndex"`
	Valid              bool
	UserAgent          string
	IP                 string
	ImpersonatorUserID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (gormSession) TableName() string { return "sessions" }

func toCoreSession(gs *gormSession) *domain.Session {
	if gs == nil {
		return nil
	}
	return &domain.Session{
		ID:                 gs.ID,
		UserID:             gs.UserID,
		Token:              gs.Token,
		Valid:              gs.Valid,
		UserAgent:          gs.UserAgent,
		IP:                 gs.IP,
		ImpersonatorUserID: gs.ImpersonatorUserID,
		CreatedAt:          gs.CreatedAt,
		UpdatedAt:          gs.UpdatedAt,
	}
}

func fromCoreSession(s *domain.Session) *gormSession {
	if s == nil {
		return nil
	}
	return &gormSession{
		ID:                 s.ID,
		UserID:             s.UserID,
		Token:              s.Token,
		Valid:              s.Valid,
		UserAgent:          s.UserAgent,
		IP:                 s.IP,
		ImpersonatorUserID: s.ImpersonatorUserID,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

type gormAuthenticator struct {
	ID        string `gorm:"primaryKey"`
	Type      string `gorm:"index"`
	UserID    string `gorm:"index"`
	Active    bool
	Secrets   domain.JSON `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (gormAuthenticator) TableName() string { return "authenticators" }

func toCoreAuthenticator(ga *gormAuthenticator) *domain.Authenticator {
	if ga == nil {
		return nil
	}
	return &domain.Authenticator{
		ID:        ga.ID,
		Type:      ga.Type,
		UserID:    ga.UserID,
		Active:    ga.Active,
		Secrets:   ga.Secrets,
		CreatedAt: ga.CreatedAt,
		UpdatedAt: ga.UpdatedAt,
	}
}

type gormMfaChallenge struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"index"`
	AuthenticatorID string
	Token           string `gorm:"uniqueIndex"`
	Scope           string
	Deactivated     bool
	DeactivatedAt   *time.Time
	CreatedAt       time.Time
}

func (gormMfaChallenge) TableName() string { return "mfa_challenges" }

func toCoreMfaChallenge(gc *gormMfaChallenge) *domain.MfaChallenge {
	if gc == nil {
		return nil
	}
	return &domain.MfaChallenge{
		ID:              gc.ID,
		UserID:          gc.UserID,
		AuthenticatorID: gc.AuthenticatorID,
		Token:           gc.Token,
		Scope:           gc.Scope,
		Deactivated:     gc.Deactivated,
		DeactivatedAt:   gc.DeactivatedAt,
		CreatedAt:       gc.CreatedAt,
	}
}

type gormAuditEvent struct {
	ID        string `gorm:"primaryKey"`
	Type      string `gorm:"index"`
	UserID    string `gorm:"index"`
	SessionID string `gorm:"index"`
	Service   string
	Status    string `gorm:"index"`
	Message   string
	IP        string
	UserAgent string
	Metadata  domain.JSON `gorm:"type:json"`
	CreatedAt time.Time   `gorm:"index"`
}

func (gormAuditEvent) TableName() string { return "audit_events" }

func fromCoreAuditEvent(e *audit.Event) *gormAuditEvent {
	if e == nil {
		return nil
	}
	return &gormAuditEvent{
		ID:        e.ID,
		Type:      e.Type,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		Service:   e.Service,
		Status:    e.Status,
		Message:   e.Message,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}
