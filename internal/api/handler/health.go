package handler

import (
	"context"
	"net/http"

	"github.com/ashwinpillai/kbingest/internal/api/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler handles GET /api/v1/health, checking the database and
// the queue backend.
func NewHealthHandler(db, queue Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "queue": "ok"}
		healthy := true

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := queue.Ping(r.Context()); err != nil {
			checks["queue"] = err.Error()
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "Dependency check failed", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
