package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/logging"
)

// ErrorBody is the error payload sent to clients
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error codes beyond the three public categories
const (
	ErrCodeRateLimited = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// respondServiceError maps err onto NOT_FOUND, BAD_REQUEST or INTERNAL_ERROR.
// Internal causes are logged and never sent to the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.PublicCode(err)

	switch code {
	case apperrors.CodeNotFound, apperrors.CodeBadRequest:
		catErr := apperrors.Categorize(err)
		respondError(w, status, code, catErr.Message, catErr.Details)
	default:
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
		respondError(w, http.StatusInternalServerError, apperrors.CodeInternal, "An internal error occurred", nil)
	}
}
