package api

import (
	"errors"
	"math"
	"net/http"

	"listing-ops/internal/models"
	"listing-ops/internal/store"
)

type publishRequest struct {
	Price *float64 `json:"price"`
	Stock *int     `json:"stock"`
	// Force lifts the single-move price change limit.
	Force bool `json:"force"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	var (
		jobType models.JobType
		input   map[string]any
	)
	switch {
	case req.Price != nil && req.Stock == nil:
		if *req.Price <= 0 || math.IsInf(*req.Price, 0) || math.IsNaN(*req.Price) {
			writeError(w, http.StatusBadRequest, "price must be positive")
			return
		}
		jobType, input = models.JobPublishPrice, map[string]any{"price": *req.Price}
	case req.Stock != nil && req.Price == nil:
		if *req.Stock < 0 {
			writeError(w, http.StatusBadRequest, "stock must not be negative")
			return
		}
		jobType, input = models.JobPublishStock, map[string]any{"stock": *req.Stock}
	default:
		writeError(w, http.StatusBadRequest, "exactly one of price or stock is required")
		return
	}
	if req.Force {
		input["force"] = true
	}

	job, created, err := s.svc.CreatePublishJob(r.Context(), id, jobType, input)
	if err != nil {
		s.respondStoreError(w, "create publish job", err)
		return
	}
	s.respondSubmitted(w, job, created)
}

type featuresResponse struct {
	Current *models.FeatureSnapshot  `json:"current"`
	History []models.FeatureSnapshot `json:"history,omitempty"`
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	entity := models.ListingRef(id)
	current, err := s.svc.CurrentFeatures(r.Context(), entity)
	if err != nil {
		s.respondStoreError(w, "current features", err)
		return
	}
	resp := featuresResponse{Current: &current}
	if n := queryInt(r, "history", 0); n > 0 {
		resp.History, err = s.svc.FeatureHistory(r.Context(), entity, n)
		if err != nil {
			s.respondStoreError(w, "feature history", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var status models.RecommendationStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseRecommendationStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	recs, err := s.svc.ListRecommendations(r.Context(), models.ListingRef(id), status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.respondStoreError(w, "list recommendations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}
