// Package api exposes the accounts server over HTTP with echo. Routes
// map one to one onto server methods and per-service actions; bearer
// tokens travel in the Authorization header.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/guard"
	"github.com/getaccounts/accounts/server"
)

// Handler translates HTTP requests into server calls.
type Handler struct {
	server     *server.Server
	limiter    guard.RateLimiter
	rateLimit  int
	rateWindow time.Duration
	started    time.Time
	log        *zap.Logger
}

// Options configures the handler. Limiter, when set, rate limits the
// authentication endpoints by client IP.
type Options struct {
	Limiter    guard.RateLimiter
	RateLimit  int
	RateWindow time.Duration
	Logger     *zap.Logger
}

func NewHandler(srv *server.Server, options Options) *Handler {
	h := &Handler{server: srv, limiter: options.Limiter, started: time.Now(), log: options.Logger}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.rateLimit = options.RateLimit
	h.rateWindow = options.RateWindow
	if h.rateLimit == 0 {
		h.rateLimit = 30
	}
	if h.rateWindow == 0 {
		h.rateWindow = time.Minute
	}
	return h
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/healthz", h.HandleHealth)

	limited := g.Group("")
	if h.limiter != nil {
		limited.Use(h.RateLimitMiddleware)
	}
	limited.POST("/login", h.HandleLogin)
	limited.POST("/services/:service/:action", h.HandleUseService)
	limited.POST("/refresh", h.HandleRefreshTokens)

	g.POST("/logout", h.HandleLogout)

	protected := g.Group("")
	protected.Use(h.AuthMiddleware)
	protected.GET("/whoami", h.HandleWhoAmI)
	protected.POST("/impersonate", h.HandleImpersonate)
}

func connectionInfo(c echo.Context) *domain.ConnectionInfo {
	return &domain.ConnectionInfo{
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (h *Handler) HandleLogin(c echo.Context) error {
	var body struct {
		Service string        `json:"service"`
		Params  domain.Params `json:"params"`
	}
	if err := c.Bind(&body); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}
	if body.Service == "" {
		body.Service = "password"
	}

	result, err := h.server.AuthenticateWithService(c.Request().Context(), body.Service, body.Params, connectionInfo(c))
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) HandleUseService(c echo.Context) error {
	var params domain.Params
	if err := c.Bind(&params); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}

	result, err := h.server.UseService(c.Request().Context(), c.Param("service"), c.Param("action"), params, connectionInfo(c))
	if err != nil {
		return h.domainError(c, err)
	}
	if result == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) HandleRefreshTokens(c echo.Context) error {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind(&body); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}

	result, err := h.server.RefreshTokens(c.Request().Context(), body.AccessToken, body.RefreshToken, connectionInfo(c))
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) HandleLogout(c echo.Context) error {
	token := bearerToken(c)
	if token == "" {
		return h.Error(c, http.StatusUnauthorized, "Authorization header required", nil)
	}
	if err := h.server.Logout(c.Request().Context(), token); err != nil {
		return h.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleImpersonate(c echo.Context) error {
	var body struct {
		Username string `json:"username"`
	}
	if err := c.Bind(&body); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}

	result, err := h.server.Impersonate(c.Request().Context(), bearerToken(c), body.Username, connectionInfo(c))
	if err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// AuthMiddleware resolves the bearer token into a sanitized user and
// stores it on the request context under "user".
func (h *Handler) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return h.Error(c, http.StatusUnauthorized, "Authorization header required", nil)
		}
		user, err := h.server.ResumeSession(c.Request().Context(), token)
		if err != nil {
			return h.Error(c, http.StatusUnauthorized, "Unauthorized", err)
		}
		c.Set("user", user)
		return next(c)
	}
}

// RateLimitMiddleware limits authentication attempts per client IP.
func (h *Handler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		allowed, _, err := h.limiter.Allow(c.Request().Context(), "api:"+c.RealIP(), h.rateLimit, h.rateWindow)
		if err != nil {
			h.log.Warn("rate limiter unavailable", zap.Error(err))
			return next(c)
		}
		if !allowed {
			return h.Error(c, http.StatusTooManyRequests, "Too many requests", nil)
		}
		return next(c)
	}
}

// HandleHealth is a liveness probe for load balancers and monitors.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) HandleWhoAmI(c echo.Context) error {
	user := c.Get("user").(*domain.User)
	return c.JSON(http.StatusOK, map[string]any{
		"status": "authenticated",
		"user":   user,
	})
}

func (h *Handler) domainError(c echo.Context, err error) error {
	var locked *guard.LockedError
	switch {
	case errors.As(err, &locked):
		return h.Error(c, http.StatusTooManyRequests, "Account temporarily locked", err)
	case errors.Is(err, domain.ErrServiceNotFound):
		return h.Error(c, http.StatusNotFound, "Service not found", err)
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, domain.ErrInvalidSession),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrNotAuthorized),
		errors.Is(err, domain.ErrUserDeactivated):
		return h.Error(c, http.StatusUnauthorized, "Unauthorized", err)
	default:
		return h.Error(c, http.StatusBadRequest, "Request failed", err)
	}
}

// Error writes a uniform error envelope.
func (h *Handler) Error(c echo.Context, code int, message string, err error) error {
	resp := map[string]any{
		"status": message,
		"code":   code,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(code, resp)
}
