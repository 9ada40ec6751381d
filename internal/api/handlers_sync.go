package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/syncer"
	"github.com/ehealth-sync/internal/types"
)

// bearerToken extracts the registry bearer token from the Authorization
// header. The token is forwarded to the registry, never stored in plaintext.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// legalEntityID reads the legal entity scope from the query string.
func legalEntityID(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("legal_entity_id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// handleDispatchSync handles POST /api/v1/sync/{entity} - Trigger a sync batch
func (s *Server) handleDispatchSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity := types.EntityType(vars["entity"])

	var req struct {
		LegalEntityID int64 `json:"legal_entity_id"`
		FirstLogin    bool  `json:"first_login,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.LegalEntityID <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "legal_entity_id is required", nil)
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return
	}

	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeMissingToken, "A registry bearer token is required", nil)
		return
	}

	firstLogin := req.FirstLogin || entity == types.EntityOverall

	result, err := s.coordinator.Dispatch(r.Context(), syncer.DispatchRequest{
		LegalEntityID: req.LegalEntityID,
		Entity:        entity,
		BearerToken:   token,
		ActingUserID:  userID,
		FirstLogin:    firstLogin,
	})
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Sync dispatch failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	// Page 1 was reconciled within this request. A nil batch means it was
	// also the last page; otherwise the queue carries the remainder.
	if result.Batch == nil {
		respondJSON(w, http.StatusOK, result)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// handleSyncStatus handles GET /api/v1/sync/status - Per-entity sync states
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := legalEntityID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "legal_entity_id query parameter required", nil)
		return
	}

	statuses, err := s.coordinator.Status(r.Context(), id)
	if err != nil {
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"legal_entity_id": id,
		"statuses":        statuses,
	})
}

// handleResumeSync handles POST /api/v1/sync/resume - Resume failed batches
func (s *Server) handleResumeSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LegalEntityID int64 `json:"legal_entity_id"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.LegalEntityID <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "legal_entity_id is required", nil)
		return
	}

	resumed, err := s.resumer.ResumeAll(r.Context(), req.LegalEntityID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Sync resume failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"legal_entity_id": req.LegalEntityID,
		"resumed":         resumed,
	})
}

// handleLoginSync handles POST /api/v1/sync/login - Owner login trigger.
// When the signing-in user owns the legal entity, interrupted first-login
// provisioning batches are resumed automatically.
func (s *Server) handleLoginSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LegalEntityID int64 `json:"legal_entity_id"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.LegalEntityID <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "legal_entity_id is required", nil)
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return
	}

	resumed, err := s.resumer.ResumeOnLogin(r.Context(), req.LegalEntityID, userID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Login resume failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"legal_entity_id": req.LegalEntityID,
		"resumed":         resumed,
	})
}

// handleFailedBatches handles GET /api/v1/batches/failed - Batches awaiting resume
func (s *Server) handleFailedBatches(w http.ResponseWriter, r *http.Request) {
	id, ok := legalEntityID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "legal_entity_id query parameter required", nil)
		return
	}

	batches, err := s.resumer.FindFailedBatches(r.Context(), id)
	if err != nil {
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"legal_entity_id": id,
		"batches":         batches,
	})
}

// handleGetBatch handles GET /api/v1/batches/{id} - Batch progress
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	batch, err := s.batchRepo.GetBatch(r.Context(), id)
	if err != nil {
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}
	if batch == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Batch not found", nil)
		return
	}

	// The sealed token has no business leaving the server.
	batch.Options.SealedToken = ""

	respondJSON(w, http.StatusOK, batch)
}

// handleListNotifications handles GET /api/v1/notifications - Recent sync events
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	notifications, err := s.notifications.ListForUser(r.Context(), userID, limit)
	if err != nil {
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}
