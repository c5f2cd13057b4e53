package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/guard"
	"github.com/getaccounts/accounts/memdb"
	"github.com/getaccounts/accounts/password"
	"github.com/getaccounts/accounts/server"
	"github.com/getaccounts/accounts/token"
)

func newTestAPI(t *testing.T, options Options) *echo.Echo {
	t.Helper()
	db := memdb.New()
	tokens, err := token.NewManager(token.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("failed to create token manager: %v", err)
	}
	srv, err := server.NewServer(db, tokens, []domain.AuthenticationService{
		password.NewService(password.Options{}),
	}, server.Options{})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	e := echo.New()
	NewHandler(srv, options).RegisterRoutes(e.Group(""))
	return e
}

func request(t *testing.T, e *echo.Echo, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not json: %v: %s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func registerAndLogin(t *testing.T, e *echo.Echo) (accessToken, refreshToken string) {
	t.Helper()
	rec, body := request(t, e, http.MethodPost, "/services/password/register", "", map[string]any{
		"email":    "alice@example.com",
		"password": "hunter22",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register returned %d: %v", rec.Code, body)
	}
	if id, _ := body["user_id"].(string); id == "" {
		t.Fatalf("expected a user_id, got %v", body)
	}

	rec, body = request(t, e, http.MethodPost, "/login", "", map[string]any{
		"service": "password",
		"params": map[string]any{
			"user":     map[string]any{"email": "alice@example.com"},
			"password": "hunter22",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %v", rec.Code, body)
	}
	tokens, _ := body["tokens"].(map[string]any)
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("expected a token pair, got %v", body)
	}
	return access, refresh
}

func TestLoginFlow(t *testing.T) {
	e := newTestAPI(t, Options{})
	access, _ := registerAndLogin(t, e)

	rec, body := request(t, e, http.MethodGet, "/whoami", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami returned %d: %v", rec.Code, body)
	}
	user, _ := body["user"].(map[string]any)
	if email := user["emails"]; email == nil {
		t.Errorf("expected the user payload to carry emails, got %v", user)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	e := newTestAPI(t, Options{})
	registerAndLogin(t, e)

	rec, body := request(t, e, http.MethodPost, "/login", "", map[string]any{
		"service": "password",
		"params": map[string]any{
			"user":     map[string]any{"email": "alice@example.com"},
			"password": "wrong",
		},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", rec.Code, body)
	}
}

func TestUnknownServiceIs404(t *testing.T) {
	e := newTestAPI(t, Options{})
	rec, _ := request(t, e, http.MethodPost, "/services/nope/register", "", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	e := newTestAPI(t, Options{})
	access, _ := registerAndLogin(t, e)

	rec, _ := request(t, e, http.MethodPost, "/logout", access, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout returned %d", rec.Code)
	}
	rec, _ = request(t, e, http.MethodGet, "/whoami", access, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
	// Missing header entirely.
	rec, _ = request(t, e, http.MethodGet, "/whoami", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	e := newTestAPI(t, Options{})
	access, refresh := registerAndLogin(t, e)

	rec, body := request(t, e, http.MethodPost, "/refresh", "", map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh returned %d: %v", rec.Code, body)
	}
	tokens, _ := body["tokens"].(map[string]any)
	if tokens["access_token"] == "" || tokens["refresh_token"] == "" {
		t.Fatalf("expected a fresh token pair, got %v", body)
	}

	rec, _ = request(t, e, http.MethodPost, "/refresh", "", map[string]any{
		"access_token":  access,
		"refresh_token": "garbage",
	})
	if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusBadRequest {
		t.Fatalf("expected refresh with a bad token to fail, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestAPI(t, Options{})
	rec, body := request(t, e, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestRateLimitedLogin(t *testing.T) {
	e := newTestAPI(t, Options{
		Limiter:    guard.NewMemoryRateLimiter(),
		RateLimit:  2,
		RateWindow: time.Minute,
	})

	var last int
	for i := 0; i < 3; i++ {
		rec, _ := request(t, e, http.MethodPost, "/login", "", map[string]any{
			"service": "password",
			"params": map[string]any{
				"user":     map[string]any{"email": fmt.Sprintf("u%d@example.com", i)},
				"password": "hunter22",
			},
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting the limit, got %d", last)
	}
}
