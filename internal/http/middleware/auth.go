package middleware

import (
	"crypto/subtle"
	"net/http"
)

type contextKey string

// TokenKey holds the signed-in user's bearer token in the request context
const TokenKey contextKey = "user_token"

// Token returns the bearer token stored by the session middleware
func Token(r *http.Request) string {
	tok, _ := r.Context().Value(TokenKey).(string)
	return tok
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Token(r) == "" {
			http.Error(w, "sign in required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminKey guards maintenance endpoints. An empty key disables them.
func RequireAdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				http.NotFound(w, r)
				return
			}
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
