package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/story-engine/api"
)

func whoami(t *testing.T, id api.Identity, setup func(r *http.Request)) (int, string) {
	t.Helper()
	var got string
	h := id.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = api.UserFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	setup(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, got
}

func TestIdentity_Header(t *testing.T) {
	code, user := whoami(t, api.Identity{TrustHeader: true}, func(r *http.Request) {
		r.Header.Set(api.UserHeader, "u1")
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u1", user)

	// Untrusted header is ignored and there is no fallback identity.
	code, user = whoami(t, api.Identity{}, func(r *http.Request) {
		r.Header.Set(api.UserHeader, "u1")
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Empty(t, user)
}

func TestIdentity_Bearer(t *testing.T) {
	secret := []byte("s3cret")
	id := api.Identity{JWTSecret: secret}

	token, err := api.SignToken(secret, "u42", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	code, user := whoami(t, id, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u42", user)

	tests := []struct {
		name   string
		header string
	}{
		{"wrong secret", "Bearer " + mustSign(t, []byte("other"), "u42", time.Hour)},
		{"expired", "Bearer " + mustSign(t, secret, "u42", -time.Hour)},
		{"no subject", "Bearer " + mustSign(t, secret, "", time.Hour)},
		{"not bearer", "Basic dTE6cGFzcw=="},
		{"garbage", "Bearer not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, user := whoami(t, id, func(r *http.Request) {
				r.Header.Set("Authorization", tt.header)
			})
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.Empty(t, user)
		})
	}
}

func TestIdentity_BearerWinsOverHeader(t *testing.T) {
	secret := []byte("s3cret")
	id := api.Identity{JWTSecret: secret, TrustHeader: true}

	code, user := whoami(t, id, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+mustSign(t, secret, "from-token", time.Hour))
		r.Header.Set(api.UserHeader, "from-header")
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "from-token", user)
}

func mustSign(t *testing.T, secret []byte, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := api.SignToken(secret, userID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	require.NoError(t, err)
	return token
}
