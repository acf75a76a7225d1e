// Package deletion runs cascading hard deletes through the low-concurrency
// deletion queue. Cascades are idempotent: a missing object counts as
// already deleted, so the queue's retry policy can safely re-run a cascade
// that failed midway.
package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/internal/vector"
)

// Deletable object types.
const (
	ObjectTenant = "tenant"
	ObjectKB     = "kb"
	ObjectSource = "source"
	ObjectRun    = "run"
	ObjectAgent  = "agent"
)

const (
	jobNameHardDelete = "hard-delete"
	sweepBatchSize    = 500
)

// Job is the deletion queue payload.
type Job struct {
	ObjectType string    `json:"object_type"`
	ObjectID   uuid.UUID `json:"object_id"`
}

// Enqueuer is the slice of the queue producer the orchestrator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any) error
}

// Store is the deletion-facing slice of the data layer.
type Store interface {
	CascadeDeleteTenant(ctx context.Context, id uuid.UUID) (store.CascadeCounts, error)
	CascadeDeleteKB(ctx context.Context, id uuid.UUID) (store.CascadeCounts, error)
	CascadeDeleteSource(ctx context.Context, id uuid.UUID) (store.CascadeCounts, error)
	CascadeDeleteRun(ctx context.Context, id uuid.UUID) (store.CascadeCounts, error)
	CascadeDeleteAgent(ctx context.Context, id uuid.UUID) (store.CascadeCounts, error)
	ListVectorTombstones(ctx context.Context, limit int) ([]store.VectorTombstone, error)
	DeleteVectorTombstones(ctx context.Context, ids []int64) error
}

type Orchestrator struct {
	store   Store
	queue   Enqueuer
	vectors vector.Store
	logger  *slog.Logger
}

func NewOrchestrator(st Store, q Enqueuer, vectors vector.Store, logger *slog.Logger) *Orchestrator {
	if vectors == nil {
		vectors = vector.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, queue: q, vectors: vectors, logger: logger}
}

// Request validates the object type and enqueues the cascade.
func (o *Orchestrator) Request(ctx context.Context, objectType string, objectID uuid.UUID) error {
	switch objectType {
	case ObjectTenant, ObjectKB, ObjectSource, ObjectRun, ObjectAgent:
	default:
		return fmt.Errorf("unknown object type %q", objectType)
	}
	if err := o.queue.Enqueue(ctx, queue.QueueDeletion, jobNameHardDelete,
		Job{ObjectType: objectType, ObjectID: objectID}); err != nil {
		return err
	}
	o.logger.Info("hard delete requested", "object_type", objectType, "object_id", objectID)
	return nil
}

// HandleJob is the deletion queue handler.
func (o *Orchestrator) HandleJob(ctx context.Context, job queue.Job) error {
	if job.Name != jobNameHardDelete {
		return queue.Permanent(fmt.Errorf("unknown deletion job %q", job.Name))
	}
	var p Job
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode deletion payload: %w", err))
	}
	return o.HardDelete(ctx, p.ObjectType, p.ObjectID)
}

// HardDelete cascades the delete for one object. A missing object is
// treated as already deleted and succeeds.
func (o *Orchestrator) HardDelete(ctx context.Context, objectType string, objectID uuid.UUID) error {
	var (
		counts store.CascadeCounts
		err    error
	)
	switch objectType {
	case ObjectTenant:
		counts, err = o.store.CascadeDeleteTenant(ctx, objectID)
	case ObjectKB:
		counts, err = o.store.CascadeDeleteKB(ctx, objectID)
	case ObjectSource:
		counts, err = o.store.CascadeDeleteSource(ctx, objectID)
	case ObjectRun:
		counts, err = o.store.CascadeDeleteRun(ctx, objectID)
	case ObjectAgent:
		counts, err = o.store.CascadeDeleteAgent(ctx, objectID)
	default:
		return queue.Permanent(fmt.Errorf("unknown object type %q", objectType))
	}

	if errors.Is(err, store.ErrNotFound) {
		o.logger.Info("hard delete target already gone",
			"object_type", objectType, "object_id", objectID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("hard delete %s %s: %w", objectType, objectID, err)
	}

	o.logger.Info("hard delete completed",
		"object_type", objectType, "object_id", objectID,
		"chunks", counts.Chunks, "pages", counts.Pages, "runs", counts.Runs,
		"sources", counts.Sources, "kbs", counts.KBs,
		"agents", counts.Agents, "tombstones", counts.Tombstones)

	o.SweepTombstones(ctx)
	return nil
}

// SweepTombstones drains vector_tombstones into the external index, removing
// each applied batch. Best effort: a failed removal leaves the tombstones in
// place for the next sweep. No-op when no index is configured.
func (o *Orchestrator) SweepTombstones(ctx context.Context) {
	if !o.vectors.IsConfigured() {
		return
	}

	for {
		tombstones, err := o.store.ListVectorTombstones(ctx, sweepBatchSize)
		if err != nil {
			o.logger.Warn("list vector tombstones failed", "error", err)
			return
		}
		if len(tombstones) == 0 {
			return
		}

		byKB := make(map[uuid.UUID][]uuid.UUID)
		ids := make([]int64, 0, len(tombstones))
		for _, t := range tombstones {
			byKB[t.KBID] = append(byKB[t.KBID], t.ChunkID)
			ids = append(ids, t.ID)
		}

		for kbID, chunkIDs := range byKB {
			if err := o.vectors.RemoveChunks(ctx, kbID, chunkIDs); err != nil {
				o.logger.Warn("vector index removal failed, keeping tombstones",
					"kb_id", kbID, "chunks", len(chunkIDs), "error", err)
				return
			}
		}
		if err := o.store.DeleteVectorTombstones(ctx, ids); err != nil {
			o.logger.Warn("delete vector tombstones failed", "error", err)
			return
		}
		o.logger.Info("vector tombstones swept", "count", len(ids))

		if len(tombstones) < sweepBatchSize {
			return
		}
	}
}
