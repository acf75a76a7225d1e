package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/api/response"
	"github.com/ashwinpillai/kbingest/internal/pipeline"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// RunService is the slice of the pipeline the run handlers depend on.
type RunService interface {
	Start(ctx context.Context, sourceID uuid.UUID, trigger string, force bool) (*models.SourceRun, error)
	Cancel(ctx context.Context, runID uuid.UUID) error
}

// RunReader loads runs for the read endpoints.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.SourceRun, error)
}

// NewStartRunHandler handles POST /api/v1/sources/{sourceID}/runs.
// ?force=1 supersedes an existing active run instead of conflicting.
func NewStartRunHandler(svc RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID, err := uuid.Parse(chi.URLParam(r, "sourceID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sourceID must be a UUID", nil)
			return
		}

		force := r.URL.Query().Get("force") == "1"

		run, err := svc.Start(r.Context(), sourceID, models.RunTriggerManual, force)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrActiveRunExists):
				response.Error(w, http.StatusConflict, "CONFLICT", "Source already has an active run", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Source not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start run", nil)
			}
			return
		}

		response.Created(w, run)
	}
}

// NewGetRunHandler handles GET /api/v1/runs/{runID}.
func NewGetRunHandler(reader RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "runID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "runID must be a UUID", nil)
			return
		}

		run, err := reader.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load run", nil)
			return
		}

		response.JSON(w, run)
	}
}

// NewCancelRunHandler handles POST /api/v1/runs/{runID}/cancel. Cancellation
// is cooperative: in-flight pages drain before the run finalizes canceled.
func NewCancelRunHandler(svc RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "runID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "runID must be a UUID", nil)
			return
		}

		if err := svc.Cancel(r.Context(), runID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel run", nil)
			return
		}

		response.Accepted(w, map[string]any{"run_id": runID, "cancel_requested": true})
	}
}
