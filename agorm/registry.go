package agorm

import (
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DialectorOpener returns a gorm.Dialector for a DSN.
type DialectorOpener = func(string) gorm.Dialector

var (
	registryMu sync.RWMutex
	openers    = make(map[string]DialectorOpener)
)

func init() {
	Register("sqlite", sqlite.Open)
	Register("postgres", postgres.Open)
	Register("mysql", mysql.Open)
}

// Register adds a database driver to the registry.
func Register(name string, opener DialectorOpener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	openers[name] = opener
}

// Open connects with the named driver, migrates the schema, and returns
// the repository.
func Open(driver, dsn string, config *gorm.Config) (*Repository, error) {
	registryMu.RLock()
	opener, ok := openers[driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agorm: unknown driver %q", driver)
	}

	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(opener(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("agorm: open %s: %w", driver, err)
	}

	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("agorm: migrate: %w", err)
	}
	return repo, nil
}
