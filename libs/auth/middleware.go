package auth

import (
	"net/http"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
)

// Require verifies the bearer token and stores the claims on the request context.
func Require(v *Verifier) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.VerifyBearer(r.Header.Get("Authorization"))
			if err != nil {
				httpx.WriteError(w, r, apperr.Unauthenticated("missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole must run after Require.
func RequireRole(roles ...string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, r, apperr.Unauthenticated("missing or invalid bearer token"))
				return
			}
			if !claims.HasRole(roles...) {
				httpx.WriteError(w, r, apperr.Forbidden("role %q is not allowed here", claims.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
