package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ehealth-sync/internal/syncer"
	"github.com/ehealth-sync/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeConflict      = "SYNC_ALREADY_RUNNING"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeNotResumable  = "NOT_RESUMABLE"
	ErrCodeMissingToken  = "MISSING_TOKEN"
	ErrCodeInvalidEntity = "INVALID_ENTITY"
)

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	if errors.Is(err, syncer.ErrSyncAlreadyRunning) {
		return http.StatusConflict, ErrCodeConflict, "A synchronization for this entity is already running"
	}

	var serviceErr *types.ServiceError
	if errors.As(err, &serviceErr) {
		switch serviceErr.Code {
		case "invalid_entity":
			return http.StatusBadRequest, ErrCodeInvalidEntity, serviceErr.Message
		case "missing_token":
			return http.StatusUnauthorized, ErrCodeMissingToken, serviceErr.Message
		case "not_found":
			return http.StatusNotFound, ErrCodeNotFound, serviceErr.Message
		case "not_resumable":
			return http.StatusConflict, ErrCodeNotResumable, serviceErr.Message
		default:
			return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
		}
	}

	// Default to internal server error
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
