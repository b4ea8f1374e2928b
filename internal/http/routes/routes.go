package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/config"
	appmw "github.com/briangreenhill/decormarket/internal/http/middleware"
	"github.com/briangreenhill/decormarket/internal/metrics"
	"github.com/briangreenhill/decormarket/market"
)

const sessionTokenKey = "token"

// Broadcaster tells other instances to drop cache entries
type Broadcaster interface {
	PublishPattern(ctx context.Context, pattern string) error
	PublishAll(ctx context.Context) error
}

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router   *chi.Mux
	Sess     *scs.SessionManager
	Market   *market.Client
	Cache    *cache.RequestCache // nil when caching is disabled
	Bus      Broadcaster         // nil for a single instance
	Jobs     Enqueuer
	AdminKey string
}

type ServerOptions struct {
	Sess    *scs.SessionManager
	Market  *market.Client
	Cache   *cache.RequestCache
	Bus     Broadcaster
	Jobs    Enqueuer
	Metrics *metrics.Metrics
	Cfg     config.Config
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	s := &Server{
		Router:   r,
		Sess:     opts.Sess,
		Market:   opts.Market,
		Cache:    opts.Cache,
		Bus:      opts.Bus,
		Jobs:     opts.Jobs,
		AdminKey: opts.Cfg.AdminKey,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Post("/auth/session", s.handleSignIn)
	r.Post("/auth/logout", s.handleLogout)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.sessionToContext)

		api.Get("/products", s.handleListProducts)
		api.Get("/products/{id}", s.handleGetProduct)
		api.Get("/categories", s.handleListCategories)
		api.Get("/vendors", s.handleListVendors)
		api.Get("/vendors/{id}", s.handleGetVendor)
		api.Get("/vendors/{id}/products", s.handleListVendorProducts)

		api.Group(func(pr chi.Router) {
			pr.Use(appmw.RequireAuth)
			pr.Post("/products", s.handleCreateProduct)
			pr.Put("/products/{id}", s.handleUpdateProduct)
			pr.Delete("/products/{id}", s.handleDeleteProduct)
			pr.Post("/vendors/{id}/imports", s.handleImportProducts)

			pr.Get("/orders", s.handleListOrders)
			pr.Post("/orders", s.handleCreateOrder)
			pr.Get("/orders/{id}", s.handleGetOrder)
			pr.Patch("/orders/{id}/status", s.handleUpdateOrderStatus)
		})
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(appmw.RequireAdminKey(s.AdminKey))
		ar.Get("/cache", s.handleCacheStats)
		ar.Delete("/cache", s.handleCacheClear)
	})

	return s
}

func (s *Server) sessionToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := s.Sess.GetString(r.Context(), sessionTokenKey); tok != "" {
			r = r.WithContext(context.WithValue(r.Context(), appmw.TokenKey, tok))
		}
		next.ServeHTTP(w, r)
	})
}

// userClient acts on behalf of the signed-in user
func (s *Server) userClient(r *http.Request) *market.Client {
	return s.Market.WithToken(r.Context(), appmw.Token(r))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &body); err != nil || body.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	u, err := s.Market.WithToken(r.Context(), body.Token).Me(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Sess.RenewToken(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("renew session token")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.Sess.Put(r.Context(), sessionTokenKey, body.Token)
	hlog.FromRequest(r).Info().Str("user_id", u.ID).Str("role", u.Role).Msg("signed in")
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout ends the session and drops the user's cached reads, here and
// on the other instances. Shared entries stay.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok := s.Sess.GetString(r.Context(), sessionTokenKey)
	if tok == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.Sess.Destroy(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("destroy session")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	pattern := s.Market.WithToken(r.Context(), tok).ScopePattern()
	removed := 0
	if s.Cache != nil {
		removed = s.Cache.ClearByPattern(pattern)
	}
	if s.Bus != nil {
		if err := s.Bus.PublishPattern(r.Context(), pattern); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("publish logout invalidation")
		}
	}
	hlog.FromRequest(r).Info().Int("removed", removed).Msg("signed out")
	w.WriteHeader(http.StatusNoContent)
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

// writeError maps client and backend failures to a status
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var apiErr *market.APIError
	switch {
	case errors.Is(err, market.ErrInvalidInput), errors.Is(err, cache.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return
	case errors.As(err, &apiErr) && apiErr.Status < 500:
		status = apiErr.Status
	}

	ev := hlog.FromRequest(r).Warn()
	if status >= 500 {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	http.Error(w, http.StatusText(status), status)
}

// queryInt reads an optional non-negative integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", market.ErrInvalidInput, name)
	}
	return n, nil
}
