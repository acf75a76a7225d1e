package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinpillai/kbingest/internal/api"
	"github.com/ashwinpillai/kbingest/internal/api/handler"
	"github.com/ashwinpillai/kbingest/internal/pipeline"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testTenantID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testSourceID = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	testKBID     = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
	testRunID    = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
)

// ─── fake services ───────────────────────────────────────────────────────────

type fakeRunService struct {
	activeRun   bool
	forcedStart bool
	canceled    []uuid.UUID
}

func (s *fakeRunService) Start(_ context.Context, sourceID uuid.UUID, trigger string, force bool) (*models.SourceRun, error) {
	if sourceID != testSourceID {
		return nil, store.ErrNotFound
	}
	if s.activeRun && !force {
		return nil, pipeline.ErrActiveRunExists
	}
	s.forcedStart = force
	return &models.SourceRun{
		ID:       testRunID,
		SourceID: sourceID,
		TenantID: testTenantID,
		Status:   models.RunStatusPending,
		Trigger:  trigger,
	}, nil
}

func (s *fakeRunService) Cancel(_ context.Context, runID uuid.UUID) error {
	if runID != testRunID {
		return store.ErrNotFound
	}
	s.canceled = append(s.canceled, runID)
	return nil
}

type fakeRunReader struct {
	runs map[uuid.UUID]*models.SourceRun
}

func (r *fakeRunReader) GetRun(_ context.Context, id uuid.UUID) (*models.SourceRun, error) {
	if run, ok := r.runs[id]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

type fakeReindexService struct {
	kb       *models.KnowledgeBase
	canceled []uuid.UUID
}

func (s *fakeReindexService) Request(_ context.Context, kbID uuid.UUID, newModel string) error {
	if kbID != testKBID {
		return store.ErrNotFound
	}
	if s.kb.ReindexStatus == models.ReindexStatusPending || s.kb.ReindexStatus == models.ReindexStatusInProgress {
		return store.ErrConflict
	}
	s.kb.ReindexStatus = models.ReindexStatusPending
	s.kb.PendingModel = &newModel
	return nil
}

func (s *fakeReindexService) Cancel(_ context.Context, kbID uuid.UUID) error {
	if kbID != testKBID {
		return store.ErrNotFound
	}
	if s.kb.ReindexStatus != models.ReindexStatusPending && s.kb.ReindexStatus != models.ReindexStatusInProgress {
		return store.ErrConflict
	}
	s.canceled = append(s.canceled, kbID)
	return nil
}

func (s *fakeReindexService) GetKB(_ context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	if id == testKBID {
		return s.kb, nil
	}
	return nil, store.ErrNotFound
}

type fakeDeletionService struct {
	requests []string
}

func (s *fakeDeletionService) Request(_ context.Context, objectType string, objectID uuid.UUID) error {
	switch objectType {
	case "tenant", "kb", "source", "run", "agent":
		s.requests = append(s.requests, objectType+":"+objectID.String())
		return nil
	}
	return errors.New("unknown object type")
}

type fakePinger struct{ err error }

func (p *fakePinger) Ping(_ context.Context) error { return p.err }

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server   *httptest.Server
	runs     *fakeRunService
	reader   *fakeRunReader
	reindex  *fakeReindexService
	deletion *fakeDeletionService
	db       *fakePinger
	queue    *fakePinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		runs: &fakeRunService{},
		reader: &fakeRunReader{runs: map[uuid.UUID]*models.SourceRun{
			testRunID: {
				ID:           testRunID,
				SourceID:     testSourceID,
				TenantID:     testTenantID,
				Status:       models.RunStatusPartial,
				Trigger:      models.RunTriggerManual,
				PagesSeen:    10,
				PagesIndexed: 8,
				PagesFailed:  2,
				CreatedAt:    time.Now().Add(-time.Hour),
			},
		}},
		reindex: &fakeReindexService{kb: &models.KnowledgeBase{
			ID:            testKBID,
			TenantID:      testTenantID,
			Name:          "docs",
			ActiveModel:   "text-embedding-3-small",
			ReindexStatus: models.ReindexStatusNone,
		}},
		deletion: &fakeDeletionService{},
		db:       &fakePinger{},
		queue:    &fakePinger{},
	}

	router := api.NewRouter(api.Dependencies{
		HealthHandler:         handler.NewHealthHandler(ts.db, ts.queue),
		StartRunHandler:       handler.NewStartRunHandler(ts.runs),
		GetRunHandler:         handler.NewGetRunHandler(ts.reader),
		CancelRunHandler:      handler.NewCancelRunHandler(ts.runs),
		RequestReindexHandler: handler.NewRequestReindexHandler(ts.reindex, ts.reindex),
		CancelReindexHandler:  handler.NewCancelReindexHandler(ts.reindex),
		HardDeleteHandler:     handler.NewHardDeleteHandler(ts.deletion),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ts.server = srv
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_503_DependencyDown(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.err = context.DeadlineExceeded

	resp := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "UNHEALTHY", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "ok", details["database"])
	assert.NotEqual(t, "ok", details["queue"])
}

// ─── POST /api/v1/sources/{sourceID}/runs ────────────────────────────────────

func TestStartRun_201(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/sources/"+testSourceID.String()+"/runs", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, testRunID.String(), data["id"])
	assert.Equal(t, models.RunStatusPending, data["status"])
	assert.Equal(t, models.RunTriggerManual, data["trigger"])
}

func TestStartRun_409_ActiveRunExists(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.activeRun = true

	resp := ts.do(t, "POST", "/api/v1/sources/"+testSourceID.String()+"/runs", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "CONFLICT", errObj["code"])
}

func TestStartRun_ForceSupersedesActiveRun(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.activeRun = true

	resp := ts.do(t, "POST", "/api/v1/sources/"+testSourceID.String()+"/runs?force=1", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, ts.runs.forcedStart)
}

func TestStartRun_404_UnknownSource(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/sources/"+uuid.NewString()+"/runs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun_400_BadSourceID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/sources/not-a-uuid/runs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── GET /api/v1/runs/{runID} ────────────────────────────────────────────────

func TestGetRun_200(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/runs/"+testRunID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.RunStatusPartial, data["status"])
	assert.Equal(t, float64(10), data["pages_seen"])
	assert.Equal(t, float64(8), data["pages_indexed"])
	assert.Equal(t, float64(2), data["pages_failed"])
}

func TestGetRun_404_Missing(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── POST /api/v1/runs/{runID}/cancel ────────────────────────────────────────

func TestCancelRun_202(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/runs/"+testRunID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["cancel_requested"])
	assert.Len(t, ts.runs.canceled, 1)
}

func TestCancelRun_404_Missing(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, ts.runs.canceled)
}

// ─── POST /api/v1/kbs/{kbID}/reindex ─────────────────────────────────────────

func TestRequestReindex_202(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/kbs/"+testKBID.String()+"/reindex", map[string]string{
		"model": "text-embedding-3-large",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.ReindexStatusPending, data["reindex_status"])
	assert.Equal(t, "text-embedding-3-large", data["pending_model"])
}

func TestRequestReindex_409_AlreadyInProgress(t *testing.T) {
	ts := newTestServer(t)
	ts.reindex.kb.ReindexStatus = models.ReindexStatusInProgress

	resp := ts.do(t, "POST", "/api/v1/kbs/"+testKBID.String()+"/reindex", map[string]string{
		"model": "text-embedding-3-large",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRequestReindex_400_MissingModel(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/kbs/"+testKBID.String()+"/reindex", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestReindex_404_UnknownKB(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/kbs/"+uuid.NewString()+"/reindex", map[string]string{
		"model": "text-embedding-3-large",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── DELETE /api/v1/kbs/{kbID}/reindex ───────────────────────────────────────

func TestCancelReindex_202(t *testing.T) {
	ts := newTestServer(t)
	ts.reindex.kb.ReindexStatus = models.ReindexStatusInProgress

	resp := ts.do(t, "DELETE", "/api/v1/kbs/"+testKBID.String()+"/reindex", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, ts.reindex.canceled, 1)
}

func TestCancelReindex_409_NothingToCancel(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "DELETE", "/api/v1/kbs/"+testKBID.String()+"/reindex", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, ts.reindex.canceled)
}

// ─── POST /api/v1/admin/delete ───────────────────────────────────────────────

func TestHardDelete_202(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/delete", map[string]string{
		"object_type": "source",
		"object_id":   testSourceID.String(),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"source:" + testSourceID.String()}, ts.deletion.requests)
}

func TestHardDelete_400_BadObjectID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/delete", map[string]string{
		"object_type": "source",
		"object_id":   "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ts.deletion.requests)
}

func TestHardDelete_400_UnknownObjectType(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/v1/admin/delete", map[string]string{
		"object_type": "widget",
		"object_id":   uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ts.deletion.requests)
}

// ─── Response format contract ───────────────────────────────────────────────

func TestResponseFormat_SuccessEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := parseBody(t, resp)
	assert.Contains(t, body, "data")
}

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.NotEmpty(t, errObj["code"])
	assert.NotEmpty(t, errObj["message"])
}
