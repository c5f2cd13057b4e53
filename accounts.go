// Package accounts provides convenience constructors that wire the
// GORM-backed storage, the jwt token manager, and the common
// authentication services into a ready server. Applications needing a
// different stack compose the subpackages directly.
package accounts

import (
	"gorm.io/gorm"

	"github.com/getaccounts/accounts/agorm"
	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/email"
	"github.com/getaccounts/accounts/magiclink"
	"github.com/getaccounts/accounts/password"
	"github.com/getaccounts/accounts/server"
	"github.com/getaccounts/accounts/token"
)

// NewDefaultServer wires a server over an existing GORM handle with the
// password and magic-link services and a development log-only mailer.
func NewDefaultServer(db *gorm.DB, tokenSecret string) (*server.Server, error) {
	repo := agorm.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{Secret: tokenSecret})
	if err != nil {
		return nil, err
	}

	sender := email.LogSender(nil)
	services := []domain.AuthenticationService{
		password.NewService(password.Options{Sender: sender}),
		magiclink.NewService(magiclink.Options{Sender: sender}),
	}
	return server.NewServer(repo, tokens, services, server.Options{})
}

// NewDefaultRepository opens a database by driver name and returns the
// migrated storage adapter.
func NewDefaultRepository(driver, dsn string) (*agorm.Repository, error) {
	return agorm.Open(driver, dsn, nil)
}
