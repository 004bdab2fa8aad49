package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserHeader carries the caller id when a trusted gateway authenticates
// upstream.
const UserHeader = "X-User-ID"

type userKey struct{}

// WithUser returns ctx carrying userID as the request identity.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the identity set by Identity.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Identity resolves who is calling. A bearer token is verified when a
// secret is configured; otherwise the gateway header is trusted. There is
// no anonymous fallback.
type Identity struct {
	// JWTSecret enables HS256 bearer tokens. The user id is the sub claim.
	JWTSecret []byte

	// TrustHeader accepts X-User-ID. Enable only behind a gateway that
	// strips the header from client requests.
	TrustHeader bool
}

// Middleware rejects requests without an identity with 401.
func (id Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := id.resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func (id Identity) resolve(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" && len(id.JWTSecret) > 0 {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", errors.New("authorization must be a bearer token")
		}
		return id.parseToken(token)
	}
	if id.TrustHeader {
		if userID := strings.TrimSpace(r.Header.Get(UserHeader)); userID != "" {
			return userID, nil
		}
	}
	return "", errors.New("no identity on request")
}

func (id Identity) parseToken(raw string) (string, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return id.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// SignToken issues an HS256 token for userID, for tests and local clients.
func SignToken(secret []byte, userID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
