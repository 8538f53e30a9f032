/*
auth.go - Caller identity for the points API

PURPOSE:
  Every /api route needs to know who is calling. Identity is issued by
  another system; this file only reads it.

MODES:
  - Secret configured: an HS256 bearer token. "sub" is the user id and
    "role" is one of user, service, admin.
  - No secret: X-User-ID and X-User-Role headers are trusted. Meant for
    local development behind a gateway.

ROLES:
  user     GET /me, spend own points, read rankings
  service  Also credit users and post activity events
  admin    Everything, including adjustments and reconciliation

SEE ALSO:
  - server.go: Where the middleware is mounted
  - cmd/server/main.go: "token" command issues development tokens
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/points-ledger/points"
)

type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleService || r == RoleAdmin
}

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID points.UserID
	Role   Role
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidToken       = errors.New("invalid token")
)

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type callerKey struct{}

// CallerFrom returns the caller attached by the auth middleware.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator verifies tokens signed with secret. An empty secret
// switches to header identity.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func (a *Authenticator) HeaderMode() bool { return len(a.secret) == 0 }

// IssueToken signs a token for userID. Used by tests and the CLI.
func (a *Authenticator) IssueToken(userID points.UserID, role Role, ttl time.Duration) (string, error) {
	if a.HeaderMode() {
		return "", fmt.Errorf("no signing secret configured")
	}
	if !role.valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ParseToken validates a token and returns its caller.
func (a *Authenticator) ParseToken(raw string) (Caller, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Caller{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return callerOf(claims.Subject, claims.Role)
}

func (a *Authenticator) authenticate(r *http.Request) (Caller, error) {
	if a.HeaderMode() {
		id := r.Header.Get("X-User-ID")
		if id == "" {
			return Caller{}, errMissingCredentials
		}
		return callerOf(id, r.Header.Get("X-User-Role"))
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Caller{}, errMissingCredentials
	}
	return a.ParseToken(raw)
}

func callerOf(subject, role string) (Caller, error) {
	id, err := points.ParseUserID(subject)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: bad subject: %v", errInvalidToken, err)
	}
	r := Role(role)
	if r == "" {
		r = RoleUser
	}
	if !r.valid() {
		return Caller{}, fmt.Errorf("%w: unknown role %q", errInvalidToken, role)
	}
	return Caller{UserID: id, Role: r}, nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

// requireRole allows only the listed roles. Admin always passes.
func requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authentication required", nil)
				return
			}
			if caller.Role != RoleAdmin && !slices.Contains(roles, caller.Role) {
				writeError(w, http.StatusForbidden, "Insufficient role", fmt.Errorf("role %q", caller.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
