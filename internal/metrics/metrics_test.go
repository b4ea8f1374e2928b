package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/decormarket/cache"
)

func TestCacheCollectors(t *testing.T) {
	rc := cache.New()
	ctx := context.Background()
	producer := func(context.Context) (json.RawMessage, error) { return json.RawMessage(`[]`), nil }
	_, err := rc.Deduplicate(ctx, "/categories", nil, producer)
	require.NoError(t, err)
	_, err = rc.Deduplicate(ctx, "/categories", nil, producer)
	require.NoError(t, err)

	m := New("decormarket", rc)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "decormarket_cache_hits_total 1")
	assert.Contains(t, body, "decormarket_cache_misses_total 1")
	assert.Contains(t, body, "decormarket_cache_fetches_total 1")
	assert.Contains(t, body, "decormarket_cache_entries 1")
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	m := New("decormarket", nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/products/p1")
	require.NoError(t, err)
	_ = resp.Body.Close()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `decormarket_http_requests_total{method="GET",route="/api/products/{id}",status="418"} 1`)
}
