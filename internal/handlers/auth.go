package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"notifyhub/internal/errs"
)

const (
	RoleAdmin       = "admin"
	accessTokenType = "access"
)

// Claims is the access token payload issued by the user service.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type"`
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Email  string
	Role   string
	Token  string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type identityKey struct{}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func bearer(r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, found && token != ""
}

// Auth verifies the bearer access token and stores the caller's Identity in
// the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				respondError(w, r, errs.Unauthorized("No token provided"))
				return
			}

			claims := &Claims{}
			_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
				return key, nil
			})
			switch {
			case errors.Is(err, jwt.ErrTokenExpired):
				respondError(w, r, errs.Unauthorized("Token expired"))
				return
			case err != nil:
				respondError(w, r, errs.Unauthorized("Invalid token"))
				return
			case claims.Type != accessTokenType:
				respondError(w, r, errs.Unauthorized("Invalid token type"))
				return
			case claims.Subject == "":
				respondError(w, r, errs.Unauthorized("Token has no subject"))
				return
			}

			id := Identity{
				UserID: claims.Subject,
				Email:  claims.Email,
				Role:   claims.Role,
				Token:  token,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after Auth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsAdmin() {
			respondError(w, r, errs.Forbidden("Admin role required").WithCode("access_denied"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServiceAuth guards internal endpoints called by the workers with the shared
// service token.
func ServiceAuth(serviceToken string) func(http.Handler) http.Handler {
	want := []byte(serviceToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				respondError(w, r, errs.Unauthorized("Invalid service token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
