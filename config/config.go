// Package config provides environment-based configuration for the
// accounts server.
//
// Configuration is loaded from environment variables using Viper, with
// sensible defaults for development.
//
// # Environment Variables
//
//   - DB_TYPE: Database type (sqlite, postgres, mysql). Default: sqlite
//   - DSN: Database connection string. Default: accounts.db
//   - LOG_LEVEL: Logging level (debug, info, warn, error). Default: info
//   - PORT: HTTP server port. Default: 8080
//   - TOKEN_SECRET: HMAC secret for access/refresh tokens. A development
//     default is used when unset; set a real one in production.
//   - ACCESS_TOKEN_TTL / REFRESH_TOKEN_TTL: token lifetimes
//   - AMBIGUOUS_ERRORS: collapse "user not found" into "invalid
//     credentials" in responses. Default: false
//   - REDIS_ADDR: optional redis address for lockout/rate-limit state
//
// # OIDC Provider Configuration
//
// OIDC providers are configured via the OIDC_PROVIDERS map:
//
//	OIDC_PROVIDERS_GOOGLE_ISSUER=https://accounts.google.com
//	OIDC_PROVIDERS_GOOGLE_CLIENT_ID=your-client-id
//	OIDC_PROVIDERS_GOOGLE_CLIENT_SECRET=your-secret
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DBType   string `mapstructure:"DB_TYPE"` // sqlite, postgres, mysql
	DSN      string `mapstructure:"DSN"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     int    `mapstructure:"PORT"`

	TokenSecret     string        `mapstructure:"TOKEN_SECRET"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`

	AmbiguousErrors bool `mapstructure:"AMBIGUOUS_ERRORS"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	OIDCProviders map[string]OIDCProvider `mapstructure:"OIDC_PROVIDERS"`
}

type OIDCProvider struct {
	Issuer       string `mapstructure:"issuer"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DB_TYPE", "sqlite")
	viper.SetDefault("DSN", "accounts.db")
	viper.SetDefault("TOKEN_SECRET", "insecure-development-secret")
	viper.SetDefault("ACCESS_TOKEN_TTL", 90*time.Minute)
	viper.SetDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	viper.SetDefault("AMBIGUOUS_ERRORS", false)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
