package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "registrar-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"registrar"},
	}
}

func run(t *testing.T, mw echo.MiddlewareFunc, header string) (context.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seen context.Context
	err := mw(func(c echo.Context) error {
		seen = c.Request().Context()
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, err
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	return httpErr.Code
}

func TestJWTMiddleware_RequiresKey(t *testing.T) {
	if _, err := JWTMiddleware(JWTConfig{}); err == nil {
		t.Fatal("expected error without a key")
	}
	if _, err := JWTMiddleware(JWTConfig{PublicKeyPEM: []byte("not pem")}); err == nil {
		t.Fatal("expected error for a malformed public key")
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	mw, err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	if err != nil {
		t.Fatal(err)
	}
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + signHS256(t, validClaims(), []byte("other-key"))},
		{"expired", "Bearer " + signHS256(t, expired, testSigningKey)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, mw, tt.header)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := statusOf(t, err); code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", code)
			}
		})
	}
}

func TestJWTMiddleware_HS256SetsUser(t *testing.T) {
	mw, err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := run(t, mw, "Bearer "+signHS256(t, validClaims(), testSigningKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := UserIDFromContext(ctx); got != "registrar-7" {
		t.Errorf("expected registrar-7, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "registrar" {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestJWTMiddleware_RS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	mw, err := JWTMiddleware(JWTConfig{PublicKeyPEM: pubPEM, Issuer: "registry"})
	if err != nil {
		t.Fatal(err)
	}

	claims := validClaims()
	claims.Issuer = "registry"
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, mw, "Bearer "+token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An HS256 token must not pass an RS256 verifier.
	if _, err := run(t, mw, "Bearer "+signHS256(t, claims, testSigningKey)); err == nil {
		t.Fatal("expected HS256 token to be rejected")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	ctx, err := run(t, DevAuthMiddleware(), "")
	if err != nil {
		t.Fatal(err)
	}
	if UserIDFromContext(ctx) != "dev-user" {
		t.Errorf("expected dev-user, got %q", UserIDFromContext(ctx))
	}
}
