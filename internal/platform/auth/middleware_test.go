package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: "north_clinic",
		Roles:    roles,
	}
}

func newAuthContext(authHeader string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d, got nil error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	expectStatus(t, h(newAuthContext("")), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
			expectStatus(t, h(newAuthContext(tt.header)), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("patient-7", "patient"), testSigningKey)

	var called bool
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "patient-7" {
			t.Errorf("expected user_id=patient-7, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "patient" {
			t.Errorf("expected roles=[patient], got %v", roles)
		}
		if tid, _ := c.Get("jwt_tenant_id").(string); tid != "north_clinic" {
			t.Errorf("expected tenant north_clinic, got %s", tid)
		}
		return nil
	})

	if err := h(newAuthContext("Bearer " + tokenStr)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_LowercaseScheme(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("staff-1", "staff"), testSigningKey)
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)
	if err := h(newAuthContext("bearer " + tokenStr)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("u", "staff")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	wrongIssuer := validClaims("u", "staff")
	wrongIssuer.Issuer = "https://other-idp"

	tests := []struct {
		name   string
		claims Claims
		key    []byte
	}{
		{"expired", expired, testSigningKey},
		{"wrong key", validClaims("u", "staff"), []byte("another-key")},
		{"wrong issuer", wrongIssuer, testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenStr := createTestToken(t, tt.claims, tt.key)
			cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.medx360.test"}
			h := JWTMiddleware(cfg)(okHandler)
			expectStatus(t, h(newAuthContext("Bearer "+tokenStr)), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims("doc-1", "doctor")
	claims.Issuer = "https://idp.medx360.test"
	claims.Audience = jwt.ClaimStrings{"booking-api"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.medx360.test", Audience: "booking-api"}
	if err := JWTMiddleware(cfg)(okHandler)(newAuthContext("Bearer " + tokenStr)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Audience = "other-api"
	expectStatus(t, JWTMiddleware(cfg)(okHandler)(newAuthContext("Bearer "+tokenStr)), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SetsAdminIdentity(t *testing.T) {
	h := DevAuthMiddleware(nil)(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		if tid, _ := c.Get("jwt_tenant_id").(string); tid != "default" {
			t.Errorf("expected tenant_id=default, got %s", tid)
		}
		return nil
	})
	if err := h(newAuthContext("")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
