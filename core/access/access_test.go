package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/modelapi/core"
)

func TestHeaderAuthentication(t *testing.T) {
	auth := HeaderAuthentication{Header: "X-User-Id"}

	r := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	if credentials := auth.RequestCredentials(r); credentials != nil {
		t.Fatal("request without header must carry no credentials")
	}

	r.Header.Set("X-User-Id", "alice")
	assert.Equal(t, "alice", auth.RequestCredentials(r))
}

func TestCredentialsContext(t *testing.T) {
	ctx := context.Background()
	if CredentialsFromContext(ctx) != nil {
		t.Fatal("fresh context must carry no credentials")
	}
	ctx = ContextWithCredentials(ctx, "bob")
	assert.Equal(t, "bob", CredentialsFromContext(ctx))
}

func TestHasAnyCredentials(t *testing.T) {
	policy := HasAnyCredentials{}

	err := policy.AuthorizeRequest(context.Background())
	apiErr, ok := err.(*core.APIError)
	if !ok {
		t.Fatal("expected an api error, got:", err)
	}
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, core.CodeCredentialsMissing, apiErr.Code)

	ctx := ContextWithCredentials(context.Background(), "alice")
	if err := policy.AuthorizeRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if err := policy.AuthorizeSaveItem(ctx, core.Item{}); err != nil {
		t.Fatal(err)
	}
}

func signedToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return tokenString
}

func TestJWTAuthentication(t *testing.T) {
	secret := []byte("test-secret")
	auth := &JWTAuthentication{Secret: secret, Issuer: "modelapi-test"}

	r := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	if auth.RequestCredentials(r) != nil {
		t.Fatal("request without token must carry no credentials")
	}

	r.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"iss": "modelapi-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	assert.Equal(t, "alice", auth.RequestCredentials(r))
}

func TestJWTAuthenticationRejected(t *testing.T) {
	secret := []byte("test-secret")
	auth := &JWTAuthentication{Secret: secret, Issuer: "modelapi-test"}

	// wrong issuer
	r := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	if auth.RequestCredentials(r) != nil {
		t.Fatal("token with wrong issuer must be rejected")
	}

	// wrong signature
	r = httptest.NewRequest(http.MethodGet, "/widgets", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("other-secret"), jwt.MapClaims{
		"sub": "alice",
		"iss": "modelapi-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	if auth.RequestCredentials(r) != nil {
		t.Fatal("token with wrong signature must be rejected")
	}

	// expired
	r = httptest.NewRequest(http.MethodGet, "/widgets", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"iss": "modelapi-test",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))
	if auth.RequestCredentials(r) != nil {
		t.Fatal("expired token must be rejected")
	}
}
