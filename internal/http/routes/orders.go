package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/briangreenhill/decormarket/market"
)

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.userClient(r).ListOrders(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.userClient(r).GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var in market.OrderInput
	if err := decodeJSON(w, r, &in); err != nil {
		http.Error(w, "invalid order", http.StatusBadRequest)
		return
	}
	o, err := s.userClient(r).CreateOrder(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, o)
}

func (s *Server) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	o, err := s.userClient(r).UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}
