package auth

import (
	"net/http"
	"strings"

	"github.com/vng-commits/eventstore/internal/apierror"
)

// Validator validates a bearer token string and returns the bound email.
type Validator interface {
	ValidateToken(tokenString string) (string, error)
}

// publicPaths are endpoints reachable without a bearer token.
var publicPaths = map[string]bool{
	"/healthz":     true,
	"/login":       true,
	"/auth/verify": true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// bearerToken extracts the token from the Authorization header, falling
// back to the ?token= query parameter so the SSE route (whose clients
// often can't set custom headers) can authenticate too (spec.md §6).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware builds JWT auth middleware. If validator is nil every
// non-public request is rejected (fail closed).
func Middleware(validator Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if validator == nil {
				apierror.WriteUnauthorized(w, "authentication not configured")
				return
			}

			tok := bearerToken(r)
			if tok == "" {
				apierror.WriteUnauthorized(w, "missing bearer token")
				return
			}

			email, err := validator.ValidateToken(tok)
			if err != nil {
				apierror.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{Email: email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
