package settings

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSnapshot_DefaultsBeforeFirstFetch(t *testing.T) {
	c := NewClient("http://settings.invalid/doc.json", time.Minute, discardLogger())

	s := c.Snapshot()
	assert.True(t, s.Fairness.Enabled)
	assert.Equal(t, 24, s.Fairness.TotalSlots)
	assert.Equal(t, 2, s.Fairness.MinSlotsPerRun)
}

func TestFetch_UpdatesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"fairness": {"enabled": false, "total_slots": 10, "min_slots_per_run": 1, "max_slots_per_run": 5, "retry_delay_ms": 250},
			"scraper": {"concurrency": 12}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, discardLogger())
	s, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Fairness.Enabled)
	assert.Equal(t, 10, s.Fairness.TotalSlots)
	assert.Equal(t, 250*time.Millisecond, s.Fairness.RetryDelay())
	assert.Equal(t, 12, s.Scraper.Concurrency)

	got := c.Snapshot()
	assert.Equal(t, s, got)
}

func TestFetch_PartialDocumentKeepsDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fairness": {"enabled": true, "total_slots": 6, "min_slots_per_run": 2, "max_slots_per_run": 4}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, discardLogger())
	s, err := c.Fetch(context.Background())
	require.NoError(t, err)

	// Fields absent from the document retain their defaults.
	assert.Equal(t, 4, s.Ingestion.Concurrency)
	assert.Equal(t, 6, s.Fairness.TotalSlots)
}

func TestFetch_ErrorLeavesLastSnapshot(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"fairness": {"enabled": true, "total_slots": 16, "min_slots_per_run": 1, "max_slots_per_run": 8, "retry_delay_ms": 100}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, discardLogger())
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)

	// The stale-but-valid snapshot survives a failed refresh.
	assert.Equal(t, 16, c.Snapshot().Fairness.TotalSlots)
}

func TestFetch_RejectsInvalidDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fairness": {"enabled": true, "total_slots": 0, "min_slots_per_run": 2, "max_slots_per_run": 8}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, discardLogger())
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_slots")
}

func TestFetch_NoURLServesDefaults(t *testing.T) {
	c := NewClient("", time.Minute, discardLogger())
	s, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)
}

func TestPeriodicRefresh_StartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"fairness": {"enabled": true, "total_slots": 8, "min_slots_per_run": 1, "max_slots_per_run": 4, "retry_delay_ms": 100}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 10*time.Millisecond, discardLogger())
	c.StartPeriodicRefresh(context.Background())
	// Second start is a no-op.
	c.StartPeriodicRefresh(context.Background())

	assert.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, 5*time.Millisecond)

	c.StopPeriodicRefresh()
	after := hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, hits.Load())

	// Stop twice is safe.
	c.StopPeriodicRefresh()
}
