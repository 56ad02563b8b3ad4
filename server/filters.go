package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"carwatch/pkg/carwatch"
)

const maxFilterBody = 16 << 10

// filterRequest is the accepted body of POST /filters. Server-owned fields
// (id, created_at, active) are not settable by clients.
type filterRequest struct {
	MinYear    *int   `json:"min_year"`
	MaxYear    *int   `json:"max_year"`
	MinPrice   *int   `json:"min_price"`
	MaxPrice   *int   `json:"max_price"`
	MaxMileage *int   `json:"max_mileage"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Brand      string `json:"brand"`
	Model      string `json:"model"`
	Region     string `json:"region"`
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFilters(w, r)
	case http.MethodPost:
		s.createFilter(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listFilters(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}
	filters, err := s.store.FiltersByOwner(r.Context(), owner)
	if err != nil {
		s.logger.Error("Failed to list filters", "owner", owner, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if filters == nil {
		filters = []*carwatch.FilterSpec{}
	}
	s.writeJSON(w, http.StatusOK, filters)
}

func (s *Server) createFilter(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req filterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFilterBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	f := &carwatch.FilterSpec{
		Owner:      req.Owner,
		Name:       req.Name,
		Brand:      req.Brand,
		Model:      req.Model,
		Region:     req.Region,
		MinYear:    req.MinYear,
		MaxYear:    req.MaxYear,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
		MaxMileage: req.MaxMileage,
		Active:     true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveFilter(r.Context(), f); err != nil {
		if errors.Is(err, carwatch.ErrInvalidFilter) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to save filter", "owner", f.Owner, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Filter created", "filter_id", f.ID, "owner", f.Owner, "ip", ip)
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	err := s.store.DeactivateFilter(r.Context(), id)
	if errors.Is(err, carwatch.ErrNotFound) {
		http.Error(w, "Filter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to deactivate filter", "filter_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
