package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/service"
)

// handleListCampaigns handles GET /api/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.campaignService.ListCampaigns(r.Context(), &service.ListCampaignsInput{
		Organizer: q.Get("organizer"),
		Status:    q.Get("status"),
		Limit:     limit,
		Cursor:    q.Get("cursor"),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetCampaign handles GET /api/campaigns/{address}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	detail, err := s.campaignService.GetCampaign(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

// handleListEvents handles GET /api/campaigns/{address}/events
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.campaignService.ListEvents(r.Context(), &service.ListEventsInput{
		Address: mux.Vars(r)["address"],
		Limit:   limit,
		Cursor:  q.Get("cursor"),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleRecordDonation handles POST /api/campaigns/{address}/donations
func (s *Server) handleRecordDonation(w http.ResponseWriter, r *http.Request) {
	var input service.RecordDonationInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	result, err := s.campaignService.RecordDonation(r.Context(), mux.Vars(r)["address"], &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Recorded {
		status = http.StatusCreated
	}
	respondJSON(w, status, result)
}

// handleCreateCampaign handles POST /api/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input service.CreateCampaignInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	detail, err := s.campaignService.CreateCampaign(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"campaign": detail,
	})
}

// parseLimit reads the optional limit parameter; range checks are the service's
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewInvalidParameterError("limit", "must be an integer")
	}
	if limit == 0 {
		return 0, apperrors.NewInvalidParameterError("limit", "must be between 1 and 100")
	}
	return limit, nil
}
