package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/ashwinpillai/kbingest/internal/api/middleware"
	"github.com/ashwinpillai/kbingest/internal/api/response"
)

// Dependencies holds all handler dependencies for the router. Authentication
// is terminated by the gateway in front of this service, so every route here
// assumes an already-authorized caller.
type Dependencies struct {
	HealthHandler         http.HandlerFunc
	StartRunHandler       http.HandlerFunc
	GetRunHandler         http.HandlerFunc
	CancelRunHandler      http.HandlerFunc
	RequestReindexHandler http.HandlerFunc
	CancelReindexHandler  http.HandlerFunc
	HardDeleteHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Post("/api/v1/sources/{sourceID}/runs", orNotImplemented(deps.StartRunHandler))
	r.Get("/api/v1/runs/{runID}", orNotImplemented(deps.GetRunHandler))
	r.Post("/api/v1/runs/{runID}/cancel", orNotImplemented(deps.CancelRunHandler))

	r.Post("/api/v1/kbs/{kbID}/reindex", orNotImplemented(deps.RequestReindexHandler))
	r.Delete("/api/v1/kbs/{kbID}/reindex", orNotImplemented(deps.CancelReindexHandler))

	r.Post("/api/v1/admin/delete", orNotImplemented(deps.HardDeleteHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
