// Package queue implements durable named job queues on Redis Streams.
//
// Each queue is one stream with a single consumer group. Delivery is
// at-least-once: unacknowledged entries are reclaimed after a visibility
// window. Failed jobs are re-enqueued through a delayed set with exponential
// backoff until their attempts are exhausted, then moved to a dead-letter
// stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names. Every consumer group and every producer addresses queues by
// these constants.
const (
	QueueSourceRun   = "source-run"
	QueuePageProcess = "page-process"
	QueuePageIndex   = "page-index"
	QueueEmbedChunks = "embed-chunks"
	QueueEnrichPage  = "enrich-page"
	QueueDeletion    = "deletion"
	QueueKBReindex   = "kb-reindex"
)

const (
	groupName      = "workers"
	streamPrefix   = "kbq:"
	delayedSuffix  = ":delayed"
	deadSuffix     = ":dead"
	fieldName      = "name"
	fieldPayload   = "payload"
	fieldAttempt   = "attempt"
	promoteBatch   = 100
	reclaimMinIdle = 5 * time.Minute
)

// Job is one unit of work pulled from a queue. Identity is
// (queue, Name, Payload); Attempt counts prior delivery attempts.
type Job struct {
	ID      string          `json:"-"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler processes one job. Returning an error schedules a retry under the
// queue's policy; wrap with Permanent to fail the job immediately.
type Handler func(ctx context.Context, job Job) error

// RetryPolicy bounds redelivery of failing jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the platform default: five attempts with
// exponential backoff capped at two minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
	}
}

// Delay returns the backoff before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// UnknownError wraps a non-error panic value so every failure is
// structurally loggable.
type UnknownError struct {
	Value any
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown error: %v", e.Value)
}

// Client is the producer side of the queues.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a queue producer over an existing Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func streamKey(queue string) string  { return streamPrefix + queue }
func delayedKey(queue string) string { return streamKey(queue) + delayedSuffix }
func deadKey(queue string) string    { return streamKey(queue) + deadSuffix }

// Enqueue adds a job to the named queue for immediate delivery.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return addToStream(ctx, c.rdb, queue, Job{Name: name, Payload: raw})
}

// EnqueueIn schedules a job for delivery after the given delay.
func (c *Client) EnqueueIn(ctx context.Context, queue, name string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return addDelayed(ctx, c.rdb, queue, Job{Name: name, Payload: raw}, delay)
}

func addToStream(ctx context.Context, rdb *redis.Client, queue string, job Job) error {
	err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: encodeJob(job),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", job.Name, queue, err)
	}
	return nil
}

func addDelayed(ctx context.Context, rdb *redis.Client, queue string, job Job, delay time.Duration) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delayed job: %w", err)
	}
	err = rdb.ZAdd(ctx, delayedKey(queue), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s on %s: %w", job.Name, queue, err)
	}
	return nil
}

func encodeJob(job Job) map[string]any {
	return map[string]any{
		fieldName:    job.Name,
		fieldPayload: string(job.Payload),
		fieldAttempt: strconv.Itoa(job.Attempt),
	}
}

func decodeJob(id string, values map[string]any) (Job, error) {
	job := Job{ID: id}

	name, ok := values[fieldName].(string)
	if !ok || name == "" {
		return Job{}, fmt.Errorf("stream entry %s has no job name", id)
	}
	job.Name = name

	if payload, ok := values[fieldPayload].(string); ok {
		job.Payload = json.RawMessage(payload)
	}
	if attempt, ok := values[fieldAttempt].(string); ok {
		job.Attempt, _ = strconv.Atoi(attempt)
	}
	return job, nil
}
