// Package auth authenticates API callers from HS256 bearer tokens and answers
// permission checks from the authenticated actor.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/liamcoop/dealflow/internal/logger"
)

// ErrUnauthenticated is returned for missing or invalid credentials
var ErrUnauthenticated = errors.New("unauthenticated")

// Wildcard grants every permission
const Wildcard = "*"

// Actor is the authenticated caller of a request
type Actor struct {
	UserID      string
	TenantID    string
	Permissions []string
}

// Has reports whether the actor holds permission
func (a Actor) Has(permission string) bool {
	return slices.Contains(a.Permissions, permission) || slices.Contains(a.Permissions, Wildcard)
}

// Claims is the token payload. The subject is the actor's user ID.
type Claims struct {
	jwt.RegisteredClaims
	Tenant      string   `json:"tenant"`
	Permissions []string `json:"permissions"`
}

// Authenticator issues and verifies tokens signed with a shared secret
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty issuer is neither set nor checked.
func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{secret: secret, issuer: issuer, now: time.Now}
}

// Issue signs a token for actor valid for ttl
func (a *Authenticator) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant:      actor.TenantID,
		Permissions: actor.Permissions,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the actor it names
func (a *Authenticator) Verify(token string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return Actor{}, fmt.Errorf("%w: token must name a subject and a tenant", ErrUnauthenticated)
	}

	return Actor{
		UserID:      claims.Subject,
		TenantID:    claims.Tenant,
		Permissions: claims.Permissions,
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		actor, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "UNAUTHENTICATED",
	})
}

type actorKey struct{}

// WithActor returns a context carrying actor
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by the middleware
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// ContextPermissions answers permission checks from the request's actor.
// Checks for any other user are denied.
type ContextPermissions struct{}

func (ContextPermissions) Has(ctx context.Context, actorUserID, permission string) (bool, error) {
	actor, ok := ActorFrom(ctx)
	if !ok {
		return false, ErrUnauthenticated
	}
	if actor.UserID != actorUserID {
		return false, nil
	}
	return actor.Has(permission), nil
}
