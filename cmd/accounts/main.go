package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/agorm"
	"github.com/getaccounts/accounts/api"
	"github.com/getaccounts/accounts/asymmetric"
	"github.com/getaccounts/accounts/audit"
	"github.com/getaccounts/accounts/code"
	"github.com/getaccounts/accounts/config"
	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/email"
	"github.com/getaccounts/accounts/guard"
	"github.com/getaccounts/accounts/internal/logger"
	"github.com/getaccounts/accounts/magiclink"
	"github.com/getaccounts/accounts/mfa"
	"github.com/getaccounts/accounts/oauth"
	"github.com/getaccounts/accounts/password"
	"github.com/getaccounts/accounts/server"
	"github.com/getaccounts/accounts/token"
	"github.com/getaccounts/accounts/tokenlink"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger.InitLogger(cfg.LogLevel)
	defer logger.Log.Sync()

	logger.Log.Info("Starting Accounts Service",
		zap.Int("port", cfg.Port),
		zap.String("db_type", cfg.DBType),
	)

	repo, err := agorm.Open(cfg.DBType, cfg.DSN, nil)
	if err != nil {
		logger.Log.Fatal("failed to initialize storage", zap.Error(err))
	}

	tokens, err := token.NewManager(token.Config{
		Secret:        cfg.TokenSecret,
		AccessExpiry:  cfg.AccessTokenTTL,
		RefreshExpiry: cfg.RefreshTokenTTL,
	})
	if err != nil {
		logger.Log.Fatal("failed to initialize token manager", zap.Error(err))
	}

	// Lockout and rate-limit state: redis when configured, in-process
	// otherwise.
	var lockoutStore guard.LockoutStore = guard.NewMemoryLockoutStore()
	var limiter guard.RateLimiter = guard.NewMemoryRateLimiter()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		lockoutStore = guard.NewRedisLockoutStore(client, "accounts:lockout:")
		limiter = guard.NewRedisRateLimiter(client, "accounts:ratelimit:")
	}
	lockout := guard.NewLockout(lockoutStore, guard.LockoutConfig{})

	sender := email.LogSender(logger.Log)

	services := []domain.AuthenticationService{
		password.NewService(password.Options{
			Sender:  sender,
			Lockout: lockout,
			Logger:  logger.Log,
		}),
		magiclink.NewService(magiclink.Options{Sender: sender, Logger: logger.Log}),
		tokenlink.NewService(tokenlink.Options{Sender: sender, Logger: logger.Log}),
		code.NewService(code.Options{Sender: sender, Logger: logger.Log}),
		asymmetric.NewService(asymmetric.Options{Logger: logger.Log}),
	}

	if len(cfg.OIDCProviders) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		var providers []oauth.Provider
		for name, pc := range cfg.OIDCProviders {
			provider, err := oauth.NewOIDCProvider(ctx, oauth.OIDCConfig{
				Name:         name,
				Issuer:       pc.Issuer,
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				RedirectURL:  pc.RedirectURL,
			})
			if err != nil {
				logger.Log.Error("skipping oidc provider", zap.String("provider", name), zap.Error(err))
				continue
			}
			providers = append(providers, provider)
		}
		cancel()
		if len(providers) > 0 {
			services = append(services, oauth.NewService(oauth.Options{Providers: providers, Logger: logger.Log}))
		}
	}

	coordinator := mfa.New(repo, mfa.Options{
		Factors: []mfa.AuthenticatorService{mfa.NewOTP()},
		Logger:  logger.Log,
	})
	services = append(services, mfa.NewService(coordinator))

	srv, err := server.NewServer(repo, tokens, services, server.Options{
		AmbiguousErrorMessages: cfg.AmbiguousErrors,
		Mfa:                    coordinator,
		Logger:                 logger.Log,
	})
	if err != nil {
		logger.Log.Fatal("failed to initialize server", zap.Error(err))
	}

	recorder := audit.NewRecorder(repo, logger.Log)
	srv.AddHook(recorder.Hook)

	h := api.NewHandler(srv, api.Options{Limiter: limiter, Logger: logger.Log})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	g := e.Group("/api/v1")
	h.RegisterRoutes(g)

	logger.Log.Info("Server is starting", zap.Int("port", cfg.Port))
	if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Log.Fatal("server failed to start", zap.Error(err))
	}
}
