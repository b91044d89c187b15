package middleware

import (
	"crypto/subtle"
	"net/http"

	"bling-sync-api/pkg/apierror"
)

// LoginKeyHeader carries the admin key.
const LoginKeyHeader = "X-Login-Key"

// AdminKey rejects requests whose X-Login-Key does not match key. An empty
// key disables the protected routes entirely.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				apierror.ServiceUnavailable("admin access is not configured").Write(w)
				return
			}

			got := r.Header.Get(LoginKeyHeader)
			if got == "" {
				apierror.Unauthorized("Authentication required. Use the X-Login-Key header.").Write(w)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				apierror.Unauthorized("Invalid login key").Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
