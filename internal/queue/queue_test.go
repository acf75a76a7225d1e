package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 20, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}

	assert.Equal(t, 2*time.Minute, p.Delay(10))
	// Shift overflow must not produce a negative or zero delay.
	assert.Equal(t, 2*time.Minute, p.Delay(64))
}

func TestRetryPolicy_DelayClampsLowAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.Delay(1), p.Delay(0))
	assert.Equal(t, p.Delay(1), p.Delay(-3))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")

	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(base))))
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestUnknownError(t *testing.T) {
	err := &UnknownError{Value: 42}
	assert.Contains(t, err.Error(), "42")
}

func TestJobEncodeDecode(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"run_id": "r1"})
	require.NoError(t, err)

	job := Job{Name: "discover", Payload: payload, Attempt: 3}
	values := encodeJob(job)

	decoded, err := decodeJob("1700000000000-0", values)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", decoded.ID)
	assert.Equal(t, "discover", decoded.Name)
	assert.Equal(t, 3, decoded.Attempt)
	assert.JSONEq(t, string(payload), string(decoded.Payload))
}

func TestDecodeJob_MissingName(t *testing.T) {
	_, err := decodeJob("1-0", map[string]any{fieldPayload: "{}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job name")
}

func TestDelayedRoundTrip(t *testing.T) {
	job := Job{Name: "finalize", Payload: json.RawMessage(`{"run_id":"r9"}`), Attempt: 2}

	member, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, unmarshalDelayed(string(member), &decoded))
	assert.Equal(t, job.Name, decoded.Name)
	assert.Equal(t, job.Attempt, decoded.Attempt)
	assert.JSONEq(t, string(job.Payload), string(decoded.Payload))
}
