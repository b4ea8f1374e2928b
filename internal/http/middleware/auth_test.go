package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireAuth(t *testing.T) {
	h := RequireAuth(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req = req.WithContext(context.WithValue(req.Context(), TokenKey, "tok"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdminKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing header", "k1", "", http.StatusForbidden},
		{"wrong key", "k1", "k2", http.StatusForbidden},
		{"right key", "k1", "k1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/cache", nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			RequireAdminKey(tt.key)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
