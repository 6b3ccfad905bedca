package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func salesRep() Actor {
	return Actor{UserID: "user-7", TenantID: "tenant-a", Permissions: []string{"deal:update"}}
}

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator(secret, "dealflow")

	token, err := a.Issue(salesRep(), time.Hour)
	require.NoError(t, err)

	actor, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, salesRep(), actor)
}

func TestVerify_Rejects(t *testing.T) {
	a := NewAuthenticator(secret, "dealflow")

	expired := NewAuthenticator(secret, "dealflow")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Issue(salesRep(), time.Hour)
	require.NoError(t, err)

	otherSecret, err := NewAuthenticator([]byte("other"), "dealflow").Issue(salesRep(), time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewAuthenticator(secret, "someone-else").Issue(salesRep(), time.Hour)
	require.NoError(t, err)

	noTenant, err := a.Issue(Actor{UserID: "user-7"}, time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			Issuer:    "dealflow",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenant: "tenant-a",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expiredToken,
		"wrong secret": otherSecret,
		"wrong issuer": otherIssuer,
		"no tenant":    noTenant,
		"alg none":     unsigned,
		"garbage":      "not-a-token",
		"empty":        "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(secret, "")
	token, err := a.Issue(salesRep(), time.Hour)
	require.NoError(t, err)

	var seen Actor
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-7", seen.UserID)
		assert.Equal(t, "tenant-a", seen.TenantID)
	})

	for name, header := range map[string]string{
		"missing header": "",
		"basic scheme":   "Basic dXNlcjpwYXNz",
		"bad token":      "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "UNAUTHENTICATED", body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestContextPermissions(t *testing.T) {
	ctx := WithActor(context.Background(), salesRep())
	checker := ContextPermissions{}

	ok, err := checker.Has(ctx, "user-7", "deal:update")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.Has(ctx, "user-7", "lead:update")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.Has(ctx, "user-8", "deal:update")
	require.NoError(t, err)
	assert.False(t, ok, "permissions belong to the authenticated actor only")

	admin := WithActor(context.Background(), Actor{UserID: "admin", TenantID: "tenant-a", Permissions: []string{Wildcard}})
	ok, err = checker.Has(admin, "admin", "lead:update")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = checker.Has(context.Background(), "user-7", "deal:update")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
