package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth requires an `Authorization: Bearer <token>` header matching
// token, replacing the teacher's anonymous cookie-identity middleware —
// this service authenticates upstream services, not anonymous end users.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				Error(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			supplied := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				Error(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
