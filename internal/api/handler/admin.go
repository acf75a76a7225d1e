package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/api/response"
)

// DeletionService enqueues cascading hard deletes.
type DeletionService interface {
	Request(ctx context.Context, objectType string, objectID uuid.UUID) error
}

// NewHardDeleteHandler handles POST /api/v1/admin/delete. The cascade runs
// asynchronously on the deletion queue; 202 means enqueued, not done.
func NewHardDeleteHandler(svc DeletionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ObjectType string `json:"object_type"`
			ObjectID   string `json:"object_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		objectID, err := uuid.Parse(req.ObjectID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "object_id must be a UUID", nil)
			return
		}

		if err := svc.Request(r.Context(), req.ObjectType, objectID); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		response.Accepted(w, map[string]any{
			"object_type": req.ObjectType,
			"object_id":   objectID,
		})
	}
}
