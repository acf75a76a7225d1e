package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinpillai/kbingest/internal/joblog"
)

// WorkerConfig configures one queue's consumer group.
type WorkerConfig struct {
	Queue       string
	Concurrency int
	Handler     Handler
	Retry       RetryPolicy
	Sample      joblog.SampleConfig
	Logger      *slog.Logger

	// OnExhausted is invoked after a job is dead-lettered, before it is
	// acknowledged. Pipeline stages use it to resolve the owning run so a
	// permanently failing page cannot wedge the fan-in counter.
	OnExhausted func(ctx context.Context, job Job)
}

// Worker consumes one named queue with a fixed number of goroutines.
// Concurrency is decided at process start; changing it requires a restart.
type Worker struct {
	cfg    WorkerConfig
	rdb    *redis.Client
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// NewWorker creates a worker for one queue. Start must be called before any
// jobs are processed.
func NewWorker(rdb *redis.Client, cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required for queue %s", cfg.Queue)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, rdb: rdb, logger: logger.With("queue", cfg.Queue)}, nil
}

// Start creates the consumer group and launches the consumer, promoter and
// reclaim loops. Idempotent.
func (w *Worker) Start(ctx context.Context) error {
	var startErr error
	w.startOnce.Do(func() {
		err := w.rdb.XGroupCreateMkStream(ctx, streamKey(w.cfg.Queue), groupName, "0").Err()
		if err != nil && !isBusyGroup(err) {
			startErr = fmt.Errorf("create consumer group for %s: %w", w.cfg.Queue, err)
			return
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel

		for i := 0; i < w.cfg.Concurrency; i++ {
			consumer := fmt.Sprintf("%s-%d", hostname(), i)
			w.wg.Add(1)
			go w.consumeLoop(loopCtx, consumer)
		}

		w.wg.Add(2)
		go w.promoteLoop(loopCtx)
		go w.reclaimLoop(loopCtx)

		w.logger.Info("queue worker started", "concurrency", w.cfg.Concurrency)
	})
	return startErr
}

// Close stops pulling new jobs and waits for in-flight handlers to finish.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		w.logger.Info("queue worker drained")
	})
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, consumer string) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: consumer,
			Streams:  []string{streamKey(w.cfg.Queue), ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Warn("dequeue failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.process(ctx, msg)
			}
		}
	}
}

// process runs one job under the worker contract: open a log scope, dispatch,
// mark success or attach the error, ack or schedule a retry, and emit the
// scope through the sampling predicate.
func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	job, err := decodeJob(msg.ID, msg.Values)
	if err != nil {
		w.logger.Error("discarding undecodable job", "entry_id", msg.ID, "error", err)
		w.ack(ctx, msg.ID)
		return
	}

	scope := joblog.NewScope(w.logger, w.cfg.Sample, w.cfg.Queue, job.Name)
	scope.AddField("attempt", job.Attempt)
	defer scope.Emit()

	handlerErr := w.dispatch(ctx, job)
	if handlerErr == nil {
		scope.Success()
		w.ack(ctx, msg.ID)
		return
	}

	scope.SetError(handlerErr)

	nextAttempt := job.Attempt + 1
	if IsPermanent(handlerErr) || nextAttempt >= w.cfg.Retry.MaxAttempts {
		w.deadLetter(ctx, job, handlerErr)
		w.ack(ctx, msg.ID)
		return
	}

	job.Attempt = nextAttempt
	delay := w.cfg.Retry.Delay(nextAttempt)
	scope.AddField("retry_in", delay.String())
	if err := addDelayed(ctx, w.rdb, w.cfg.Queue, job, delay); err != nil {
		// Leave the entry pending; the reclaim loop redelivers it.
		w.logger.Error("schedule retry failed, leaving entry pending", "entry_id", msg.ID, "error", err)
		return
	}
	w.ack(ctx, msg.ID)
}

// dispatch invokes the handler, converting panics and non-error values into
// a loggable error instead of crashing the consumer.
func (w *Worker) dispatch(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("handler panicked: %w", e)
				return
			}
			err = &UnknownError{Value: r}
		}
	}()
	return w.cfg.Handler(ctx, job)
}

func (w *Worker) deadLetter(ctx context.Context, job Job, cause error) {
	err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: deadKey(w.cfg.Queue),
		Values: map[string]any{
			fieldName:    job.Name,
			fieldPayload: string(job.Payload),
			fieldAttempt: job.Attempt,
			"error":      cause.Error(),
		},
	}).Err()
	if err != nil {
		w.logger.Error("dead-letter write failed", "job", job.Name, "error", err)
	}

	if w.cfg.OnExhausted != nil {
		w.cfg.OnExhausted(ctx, job)
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	pipe := w.rdb.TxPipeline()
	pipe.XAck(ctx, streamKey(w.cfg.Queue), groupName, id)
	pipe.XDel(ctx, streamKey(w.cfg.Queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("ack failed", "entry_id", id, "error", err)
	}
}

// promoteLoop moves due entries from the delayed set back onto the stream.
func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDue(ctx)
		}
	}
}

func (w *Worker) promoteDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	members, err := w.rdb.ZRangeByScore(ctx, delayedKey(w.cfg.Queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: promoteBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		// ZRem first so only one worker promotes each entry.
		removed, err := w.rdb.ZRem(ctx, delayedKey(w.cfg.Queue), member).Result()
		if err != nil || removed == 0 {
			continue
		}

		var job Job
		if err := unmarshalDelayed(member, &job); err != nil {
			w.logger.Error("discarding undecodable delayed job", "error", err)
			continue
		}
		if err := addToStream(ctx, w.rdb, w.cfg.Queue, job); err != nil {
			w.logger.Error("promote delayed job failed", "job", job.Name, "error", err)
		}
	}
}

// reclaimLoop redelivers entries that were claimed by a consumer that died
// before acknowledging them.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	consumer := hostname() + "-reclaim"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   streamKey(w.cfg.Queue),
				Group:    groupName,
				Consumer: consumer,
				MinIdle:  reclaimMinIdle,
				Start:    "0",
				Count:    promoteBatch,
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Warn("reclaim failed", "error", err)
				}
				continue
			}
			for _, msg := range msgs {
				w.process(ctx, msg)
			}
		}
	}
}

func unmarshalDelayed(member string, job *Job) error {
	return json.Unmarshal([]byte(member), job)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
