package routes

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/decormarket/internal/jobs"
	"github.com/briangreenhill/decormarket/market"
)

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.Market.ListProducts(r.Context(), market.ProductQuery{
		Page:     page,
		Limit:    limit,
		Category: q.Get("category"),
		VendorID: q.Get("vendor"),
		Search:   q.Get("search"),
		Sort:     q.Get("sort"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.Market.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.Market.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cats)
}

func (s *Server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.Market.ListVendors(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	v, err := s.Market.GetVendor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

func (s *Server) handleListVendorProducts(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.Market.ListVendorProducts(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var in market.ProductInput
	if err := decodeJSON(w, r, &in); err != nil {
		http.Error(w, "invalid product", http.StatusBadRequest)
		return
	}
	p, err := s.userClient(r).CreateProduct(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var in market.ProductInput
	if err := decodeJSON(w, r, &in); err != nil {
		http.Error(w, "invalid product", http.StatusBadRequest)
		return
	}
	p, err := s.userClient(r).UpdateProduct(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// handleDeleteProduct takes ?vendor= so the vendor's listing is refreshed too
func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	err := s.userClient(r).DeleteProduct(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("vendor"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportProducts queues a bulk import; the worker creates the products
// and broadcasts the invalidation when it is done. Only the vendor's own
// account or an admin may import.
func (s *Server) handleImportProducts(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		http.Error(w, "imports unavailable", http.StatusServiceUnavailable)
		return
	}
	vendorID := chi.URLParam(r, "id")

	u, err := s.userClient(r).Me(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !u.CanManageVendor(vendorID) {
		hlog.FromRequest(r).Warn().
			Str("user_id", u.ID).
			Str("vendor_id", vendorID).
			Msg("import refused")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var body struct {
		Products []market.ProductInput `json:"products"`
	}
	if err := decodeJSON(w, r, &body); err != nil || len(body.Products) == 0 {
		http.Error(w, "products required", http.StatusBadRequest)
		return
	}
	for i := range body.Products {
		body.Products[i].VendorID = vendorID
	}

	task, err := jobs.NewImportProductsTask(jobs.ImportProductsPayload{
		VendorID:    vendorID,
		RequestedBy: u.ID,
		Products:    body.Products,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.Jobs.EnqueueContext(r.Context(), task,
		asynq.Queue(jobs.QueueImports),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("vendor_id", vendorID).Msg("enqueue import")
		http.Error(w, fmt.Sprintf("could not queue import: %v", err), http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Str("vendor_id", vendorID).
		Str("user_id", u.ID).
		Int("products", len(body.Products)).
		Msg("import queued")

	writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}
