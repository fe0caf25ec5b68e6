package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// contextKey is used for storing claims in context.
type contextKey string

const claimsContextKey contextKey = "claims"

// ClaimsFrom retrieves the verified claims from a request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// Middleware enforces bearer-token authentication on every non-public
// path and stores the verified claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.unauthorized(w, "missing authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			a.unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := a.VerifyToken(r.Context(), token)
		if err != nil {
			// Opaque access tokens are not JWTs; fall back to the
			// userinfo endpoint.
			claims, err = a.VerifyAccessToken(r.Context(), token)
			if err != nil {
				a.unauthorized(w, "invalid token")
				return
			}
		}
		if claims.IsExpired() {
			a.unauthorized(w, "token expired")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="conductor"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "auth_required",
		"message": message,
	})
}
