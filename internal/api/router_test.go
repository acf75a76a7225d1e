package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinpillai/kbingest/internal/api"
)

func TestRouter_UnwiredHandlersReturn501(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/health"},
		{"POST", "/api/v1/sources/" + uuid.NewString() + "/runs"},
		{"GET", "/api/v1/runs/" + uuid.NewString()},
		{"POST", "/api/v1/runs/" + uuid.NewString() + "/cancel"},
		{"POST", "/api/v1/kbs/" + uuid.NewString() + "/reindex"},
		{"DELETE", "/api/v1/kbs/" + uuid.NewString() + "/reindex"},
		{"POST", "/api/v1/admin/delete"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNotImplemented, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "NOT_IMPLEMENTED", errObj["code"])
		})
	}
}

func TestRouter_WiredHandlerIsServed(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
