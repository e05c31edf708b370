package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/billing/pkg/billing"
)

// ErrUnauthenticated is returned for missing, malformed or expired tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the JWT claims accepted by the API. The subject is the user id.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for p. Used by tests and local tooling;
// production tokens come from the identity provider.
func IssueToken(secret []byte, p billing.Principal) (string, error) {
	claims := Claims{
		Roles:            p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{Subject: p.UserID},
	}
	if !p.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(p.IssuedAt)
	}
	if !p.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(p.ExpiresAt)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// authenticate resolves the bearer token into a billing.Principal stored on
// the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			h.writeError(w, r, ErrUnauthenticated)
			return
		}

		claims := &Claims{}
		_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims,
			func(*jwt.Token) (interface{}, error) { return h.config.JWTSecret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(h.config.Now),
		)
		if err != nil {
			h.config.Logger.Debug("bearer token rejected", billing.Field{Key: "error", Value: err})
			h.writeError(w, r, ErrUnauthenticated)
			return
		}

		principal := billing.Principal{UserID: claims.Subject, Roles: claims.Roles}
		if claims.IssuedAt != nil {
			principal.IssuedAt = claims.IssuedAt.Time
		}
		if claims.ExpiresAt != nil {
			principal.ExpiresAt = claims.ExpiresAt.Time
		}
		if !principal.Valid(h.config.Now()) {
			h.writeError(w, r, ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(billing.WithPrincipal(r.Context(), principal)))
	})
}

// requireRole rejects principals without role.
func (h *Handler) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := billing.PrincipalFromContext(r.Context())
			if !ok || !p.HasRole(role) {
				h.writeError(w, r, billing.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principal(r *http.Request) billing.Principal {
	p, _ := billing.PrincipalFromContext(r.Context())
	return p
}
