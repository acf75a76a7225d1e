package joblog

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSample_FailuresAlways(t *testing.T) {
	ev := &Event{Succeeded: false}
	for i := 0; i < 100; i++ {
		assert.True(t, ShouldSample(ev, SampleConfig{SuccessRate: 0}))
	}
}

func TestShouldSample_SuccessRateBounds(t *testing.T) {
	ev := &Event{Succeeded: true}

	assert.False(t, ShouldSample(ev, SampleConfig{SuccessRate: 0}))
	assert.True(t, ShouldSample(ev, SampleConfig{SuccessRate: 1}))
}

func TestScope_EmitSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s := NewScope(logger, SampleConfig{SuccessRate: 1}, "page-process", "process")
	s.SetOperation("fetch")
	s.AddField("run_id", "abc")
	s.AddFields(map[string]any{"url": "https://example.com"})
	s.Success()
	s.Emit()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job completed", line["msg"])
	assert.Equal(t, "page-process", line["queue"])
	assert.Equal(t, "fetch", line["operation"])
	assert.Equal(t, "abc", line["run_id"])
	assert.Equal(t, "https://example.com", line["url"])
}

func TestScope_EmitFailureIgnoresSampleRate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s := NewScope(logger, SampleConfig{SuccessRate: 0}, "embed-chunks", "embed")
	s.SetError(errors.New("provider unavailable"))
	s.Emit()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job failed", line["msg"])
	assert.Contains(t, line["error"], "provider unavailable")
}

func TestScope_EmitOnlyOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s := NewScope(logger, SampleConfig{SuccessRate: 1}, "source-run", "finalize")
	s.Success()
	s.Emit()
	s.Emit()

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestScope_SampledOutSuccessNotEmitted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s := NewScope(logger, SampleConfig{SuccessRate: 0}, "source-run", "discover")
	s.Success()
	s.Emit()

	assert.Zero(t, buf.Len())
}

func TestScope_SetErrorClearsSuccess(t *testing.T) {
	s := NewScope(nil, SampleConfig{}, "q", "j")
	s.Success()
	s.SetError(errors.New("late failure"))

	ev := s.Event()
	assert.False(t, ev.Succeeded)
	assert.Error(t, ev.Err)
}
