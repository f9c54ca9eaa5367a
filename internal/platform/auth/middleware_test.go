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

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "analyst-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Countries: []string{"IT"},
	}
}

func runMiddleware(t *testing.T, cfg JWTConfig, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/doctors", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	return c, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
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
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	c, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := SubjectFromContext(c.Request().Context()); got != "analyst-1" {
		t.Errorf("expected subject analyst-1, got %q", got)
	}
	if got := CountriesFromContext(c.Request().Context()); len(got) != 1 || got[0] != "IT" {
		t.Errorf("expected countries [IT], got %v", got)
	}
	claims := ClaimsFrom(c)
	if claims == nil {
		t.Fatal("expected claims on the echo context")
	}
	if !claims.AllowsCountry("it") || claims.AllowsCountry("DE") {
		t.Errorf("unexpected country grants for %v", claims.Countries)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("another-secret-key-entirely"))
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Expired(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := createTestToken(t, claims, testSigningKey)
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingExpiry(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = nil
	token := createTestToken(t, claims, testSigningKey)
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "someone-else"
	token := createTestToken(t, claims, testSigningKey)
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey, Issuer: "medinsights"}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if _, err := runMiddleware(t, cfg, ""); err != nil {
		t.Fatalf("expected skipped request to pass, got %v", err)
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	token, err := IssueToken(testSigningKey, "medinsights", "cli", []string{"DE"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey, Issuer: "medinsights"}, "Bearer "+token)
	if err != nil {
		t.Fatalf("expected issued token to validate, got %v", err)
	}
	if !ClaimsFrom(c).AllowsCountry("DE") {
		t.Error("expected DE to be granted")
	}
}

func TestIssueToken_EmptyKey(t *testing.T) {
	if _, err := IssueToken(nil, "", "cli", nil, time.Hour); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestAllowsCountry_EmptyGrantsAll(t *testing.T) {
	c := &Claims{}
	if !c.AllowsCountry("IT") || !c.AllowsCountry("DE") {
		t.Error("expected empty country list to grant every country")
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/", "/health", "/metrics", "/info"} {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}
	for _, p := range []string{"/doctors", "/:country/doctors", "/stats"} {
		if IsPublicPath(p) {
			t.Errorf("expected %s to require auth", p)
		}
	}
}
