package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/api/response"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// ReindexService is the slice of the reindex orchestrator the handlers use.
type ReindexService interface {
	Request(ctx context.Context, kbID uuid.UUID, newModel string) error
	Cancel(ctx context.Context, kbID uuid.UUID) error
}

// KBReader loads knowledge bases for status responses.
type KBReader interface {
	GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error)
}

// NewRequestReindexHandler handles POST /api/v1/kbs/{kbID}/reindex.
func NewRequestReindexHandler(svc ReindexService, reader KBReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kbID, err := uuid.Parse(chi.URLParam(r, "kbID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kbID must be a UUID", nil)
			return
		}

		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Model == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "model is required", nil)
			return
		}

		if err := svc.Request(r.Context(), kbID, req.Model); err != nil {
			switch {
			case errors.Is(err, store.ErrConflict):
				response.Error(w, http.StatusConflict, "CONFLICT", "A reindex is already pending or in progress", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Knowledge base not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to request reindex", nil)
			}
			return
		}

		kb, err := reader.GetKB(r.Context(), kbID)
		if err != nil {
			response.Accepted(w, map[string]any{"kb_id": kbID, "reindex_status": models.ReindexStatusPending})
			return
		}
		response.Accepted(w, kb)
	}
}

// NewCancelReindexHandler handles DELETE /api/v1/kbs/{kbID}/reindex.
func NewCancelReindexHandler(svc ReindexService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kbID, err := uuid.Parse(chi.URLParam(r, "kbID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kbID must be a UUID", nil)
			return
		}

		if err := svc.Cancel(r.Context(), kbID); err != nil {
			switch {
			case errors.Is(err, store.ErrConflict):
				response.Error(w, http.StatusConflict, "CONFLICT", "No reindex is pending or in progress", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Knowledge base not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel reindex", nil)
			}
			return
		}

		response.Accepted(w, map[string]any{"kb_id": kbID, "cancel_requested": true})
	}
}
