package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/observability"
)

// fakeBackend counts hits per path and serves canned JSON
type fakeBackend struct {
	mu    sync.Mutex
	hits  map[string]int
	auths []string
	srv   *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{hits: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/products", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		_, _ = w.Write([]byte(`{"page":` + page + `,"page_count":3,"total":1,"products":[{"id":"p1","name":"Rattan chair","vendor_id":"v1"}]}`))
	})
	mux.HandleFunc("GET /api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		if r.PathValue("id") == "missing" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `","name":"Oak table","price_cents":45000}`))
	})
	mux.HandleFunc("POST /api/products", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		var in ProductInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Product{ID: "p2", VendorID: in.VendorID, Name: in.Name})
	})
	mux.HandleFunc("DELETE /api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/vendors/{id}/products", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		_, _ = w.Write([]byte(`{"page":1,"page_count":1,"products":[]}`))
	})
	mux.HandleFunc("GET /api/categories", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		_, _ = w.Write([]byte(`[{"id":"c1","name":"Lighting","slug":"lighting"}]`))
	})
	mux.HandleFunc("GET /api/orders", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"page":1,"page_count":1,"orders":[{"id":"o1","status":"pending"}]}`))
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		switch r.Header.Get("Authorization") {
		case "Bearer vendor-token":
			_, _ = w.Write([]byte(`{"id":"u-vendor","role":"vendor","vendor_id":"v7"}`))
		case "Bearer alice-token":
			_, _ = w.Write([]byte(`{"id":"u-alice","role":"customer"}`))
		default:
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("GET /api/broken", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		_, _ = w.Write([]byte(`<html>`))
	})
	mux.HandleFunc("GET /api/flaky", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) record(r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.hits[r.Method+" "+r.URL.Path]++
	fb.auths = append(fb.auths, r.Header.Get("Authorization"))
}

func (fb *fakeBackend) count(key string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[key]
}

func newTestClient(t *testing.T, fb *fakeBackend, opts ...Option) *Client {
	t.Helper()
	c, err := New(fb.srv.URL+"/api", opts...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL.String())

	_, err = New("not a url")
	assert.Error(t, err)
}

func TestListProducts_CachedAndDeduplicated(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	c := newTestClient(t, fb, WithCache(rc))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := c.ListProducts(ctx, ProductQuery{Page: 1, Category: "seating"})
			assert.NoError(t, err)
			assert.Len(t, page.Products, 1)
		}()
	}
	wg.Wait()

	page, err := c.ListProducts(ctx, ProductQuery{Category: "seating", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, "Rattan chair", page.Products[0].Name)
	assert.Equal(t, 1, fb.count("GET /api/products"))

	_, err = c.ListProducts(ctx, ProductQuery{Page: 2, Category: "seating"})
	require.NoError(t, err)
	assert.Equal(t, 2, fb.count("GET /api/products"))
}

func TestCreateProduct_InvalidatesReads(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()

	var hooked []string
	c := newTestClient(t, fb, WithCache(rc), WithInvalidationHook(func(_ context.Context, patterns ...string) {
		hooked = append(hooked, patterns...)
	}))
	ctx := context.Background()

	_, err := c.ListProducts(ctx, ProductQuery{Page: 1})
	require.NoError(t, err)
	_, err = c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	_, err = c.ListVendorProducts(ctx, "v1", 1)
	require.NoError(t, err)
	_, err = c.ListCategories(ctx)
	require.NoError(t, err)

	p, err := c.CreateProduct(ctx, ProductInput{VendorID: "v1", Name: "Linen lamp", PriceCents: 8900})
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)
	assert.Equal(t, []string{"/products", "/vendors/v1"}, hooked)

	_, err = c.ListProducts(ctx, ProductQuery{Page: 1})
	require.NoError(t, err)
	_, err = c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	_, err = c.ListVendorProducts(ctx, "v1", 1)
	require.NoError(t, err)
	_, err = c.ListCategories(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, fb.count("GET /api/products"))
	assert.Equal(t, 2, fb.count("GET /api/products/p1"))
	assert.Equal(t, 2, fb.count("GET /api/vendors/v1/products"))
	assert.Equal(t, 1, fb.count("GET /api/categories"), "unrelated family stays cached")
}

func TestDeleteProduct(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	c := newTestClient(t, fb, WithCache(rc))
	ctx := context.Background()

	_, err := c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, c.DeleteProduct(ctx, "p1", ""))
	_, ok := rc.Lookup("/products/p1", nil)
	assert.False(t, ok)

	assert.ErrorIs(t, c.DeleteProduct(ctx, "", ""), errNoID)
}

func TestGetProduct_NotFoundIsNotCached(t *testing.T) {
	fb := newFakeBackend(t)
	c := newTestClient(t, fb, WithCache(cache.New()))
	ctx := context.Background()

	_, err := c.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, apiErr.Retryable())

	_, err = c.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, fb.count("GET /api/products/missing"))
}

func TestFetch_InvalidJSONIsAnError(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	c := newTestClient(t, fb, WithCache(rc))

	var out any
	err := c.getJSON(context.Background(), "/broken", nil, false, &out)
	require.Error(t, err)
	_, ok := rc.Lookup("/broken", nil)
	assert.False(t, ok)
}

func TestFetch_ServerErrorIsRetryable(t *testing.T) {
	fb := newFakeBackend(t)
	c := newTestClient(t, fb)

	var out any
	err := c.getJSON(context.Background(), "/flaky", nil, false, &out)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retryable())
}

func TestNoCache_AlwaysFetches(t *testing.T) {
	fb := newFakeBackend(t)
	c := newTestClient(t, fb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.ListCategories(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fb.count("GET /api/categories"))
}

func TestWithToken_ScopesUserReads(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	base := newTestClient(t, fb, WithCache(rc), WithAPIKey("svc-key"))
	ctx := context.Background()

	_, err := base.ListOrders(ctx, 1)
	require.ErrorIs(t, err, ErrUnauthorized)

	alice := base.WithToken(ctx, "alice-token")
	bob := base.WithToken(ctx, "bob-token")

	orders, err := alice.ListOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "o1", orders.Orders[0].ID)
	_, err = alice.ListOrders(ctx, 1)
	require.NoError(t, err)
	_, err = bob.ListOrders(ctx, 1)
	require.NoError(t, err)

	// unauthenticated, alice, bob (alice's second read was cached)
	assert.Equal(t, 3, fb.count("GET /api/orders"))
	assert.Contains(t, fb.auths, "Bearer alice-token")
	assert.Contains(t, fb.auths, "Bearer bob-token")
	assert.NotEqual(t, alice.scope, bob.scope)
}

func TestUpdateOrderStatus_RejectsUnknownStatus(t *testing.T) {
	fb := newFakeBackend(t)
	c := newTestClient(t, fb)
	_, err := c.UpdateOrderStatus(context.Background(), "o1", "teleported")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateOrder_RequiresItems(t *testing.T) {
	fb := newFakeBackend(t)
	c := newTestClient(t, fb)
	_, err := c.CreateOrder(context.Background(), OrderInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, fb.count("POST /api/orders"))
}

func TestQuery(t *testing.T) {
	v := query(cache.Params{"page": 2, "search": "", "tags": []string{"a", "b"}, "x": nil, "sort": "-price"})
	assert.Equal(t, "page=2&sort=-price&tags=a&tags=b", v.Encode())
}

func TestSend_SetsIdempotencyKey(t *testing.T) {
	var keys atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys.Store(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	require.NoError(t, c.DeleteProduct(context.Background(), "p9", "v1"))
	assert.NotEmpty(t, keys.Load())
}

func TestSend_UsesIdempotencyKeyFromContext(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := WithIdempotencyKey(context.Background(), "task-9:0")
	require.NoError(t, c.DeleteProduct(ctx, "p9", ""))
	assert.Equal(t, "task-9:0", got.Load())
}

func TestMe(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	base := newTestClient(t, fb, WithCache(rc))
	ctx := context.Background()

	u, err := base.WithToken(ctx, "vendor-token").Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-vendor", u.ID)
	assert.True(t, u.CanManageVendor("v7"))
	assert.False(t, u.CanManageVendor("v8"))

	_, err = base.WithToken(ctx, "made-up").Me(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// each token gets its own answer
	u, err = base.WithToken(ctx, "alice-token").Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-alice", u.ID)
	assert.False(t, u.CanManageVendor("v7"))
}

func TestUser_CanManageVendor(t *testing.T) {
	tests := []struct {
		name   string
		user   *User
		vendor string
		want   bool
	}{
		{"owner", &User{Role: RoleVendor, VendorID: "v7"}, "v7", true},
		{"other vendor", &User{Role: RoleVendor, VendorID: "v8"}, "v7", false},
		{"customer with vendor id", &User{Role: RoleCustomer, VendorID: "v7"}, "v7", false},
		{"admin", &User{Role: RoleAdmin}, "v7", true},
		{"empty vendor", &User{Role: RoleAdmin}, "", false},
		{"nil user", nil, "v7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.CanManageVendor(tt.vendor))
		})
	}
}

func TestScopePattern_ClearsOnlyThatUser(t *testing.T) {
	fb := newFakeBackend(t)
	rc := cache.New()
	base := newTestClient(t, fb, WithCache(rc))
	ctx := context.Background()

	assert.Empty(t, base.ScopePattern())

	alice := base.WithToken(ctx, "alice-token")
	bob := base.WithToken(ctx, "bob-token")
	_, err := alice.ListOrders(ctx, 1)
	require.NoError(t, err)
	_, err = bob.ListOrders(ctx, 1)
	require.NoError(t, err)
	_, err = base.ListCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rc.Stats().Entries)

	assert.Equal(t, 1, rc.ClearByPattern(alice.ScopePattern()))
	assert.Equal(t, 2, rc.Stats().Entries)

	_, err = bob.ListOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, fb.count("GET /api/orders"))
}

func TestGetJSON_MarksFetchedOnOwnSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	observability.UseTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { observability.UseTracerProvider(nil) })

	fb := newFakeBackend(t)
	c := newTestClient(t, fb, WithCache(cache.New()))
	ctx := context.Background()

	_, err := c.ListCategories(ctx)
	require.NoError(t, err)
	_, err = c.ListCategories(ctx)
	require.NoError(t, err)

	var fetched []bool
	for _, s := range sr.Ended() {
		if s.Name() != "market.read" {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == observability.AttrFetched {
				fetched = append(fetched, kv.Value.AsBool())
			}
		}
	}
	assert.Equal(t, []bool{true, false}, fetched)
}
