// Package reindex re-embeds a knowledge base's chunks under a new model.
//
// New vectors are written to shadow columns while the old embeddings keep
// serving queries; only a fully completed pass promotes the shadow set
// atomically. The kb-reindex queue runs at concurrency 1, so no two
// reindexes ever interleave.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/embed"
	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

const jobNameReindex = "reindex"

// Job is the kb-reindex queue payload.
type Job struct {
	KBID uuid.UUID `json:"kb_id"`
}

// Enqueuer is the slice of the queue producer the orchestrator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any) error
}

// Store is the reindex-facing slice of the data layer. The full store
// implementation satisfies it.
type Store interface {
	GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error)
	RequestReindex(ctx context.Context, kbID uuid.UUID, newModel string) error
	SetReindexRunning(ctx context.Context, kbID uuid.UUID) error
	UpdateReindexProgress(ctx context.Context, kbID uuid.UUID, progress int) error
	FailReindex(ctx context.Context, kbID uuid.UUID, errMsg string) error
	RequestReindexCancel(ctx context.Context, kbID uuid.UUID) error
	ReindexCancelRequested(ctx context.Context, kbID uuid.UUID) (bool, error)
	ResetReindex(ctx context.Context, kbID uuid.UUID) error
	CountChunks(ctx context.Context, kbID uuid.UUID) (int, error)
	ListChunkBatch(ctx context.Context, kbID uuid.UUID, after uuid.UUID, limit int) ([]*models.Chunk, error)
	WriteShadowEmbeddings(ctx context.Context, model string, embeddings []store.ChunkEmbedding) error
	PromoteShadowEmbeddings(ctx context.Context, kbID uuid.UUID, model string) error
	DiscardShadowEmbeddings(ctx context.Context, kbID uuid.UUID) error
}

type Orchestrator struct {
	store     Store
	queue     Enqueuer
	embedder  embed.Embedder
	logger    *slog.Logger
	batchSize int
}

func NewOrchestrator(st Store, q Enqueuer, embedder embed.Embedder, batchSize int, logger *slog.Logger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		queue:     q,
		embedder:  embedder,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Request marks the knowledge base for reindexing under newModel and
// enqueues the job. A reindex already pending or in progress surfaces as
// ErrConflict from the store.
func (o *Orchestrator) Request(ctx context.Context, kbID uuid.UUID, newModel string) error {
	if newModel == "" {
		return fmt.Errorf("reindex request needs a model id")
	}
	if err := o.store.RequestReindex(ctx, kbID, newModel); err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, queue.QueueKBReindex, jobNameReindex, Job{KBID: kbID}); err != nil {
		// The pending state is backed by nothing once the job never made it
		// onto the queue; roll it back so the next request is not refused
		// as a conflict.
		if resetErr := o.store.ResetReindex(ctx, kbID); resetErr != nil {
			o.logger.Error("reset reindex after enqueue failure",
				"kb_id", kbID, "error", resetErr)
		}
		return fmt.Errorf("enqueue reindex for %s: %w", kbID, err)
	}
	o.logger.Info("reindex requested", "kb_id", kbID, "new_model", newModel)
	return nil
}

// Cancel flags the reindex for cancellation. The running pass checks the
// flag between batches, discards its shadow embeddings and resets to none.
func (o *Orchestrator) Cancel(ctx context.Context, kbID uuid.UUID) error {
	return o.store.RequestReindexCancel(ctx, kbID)
}

// HandleJob is the kb-reindex queue handler.
func (o *Orchestrator) HandleJob(ctx context.Context, job queue.Job) error {
	if job.Name != jobNameReindex {
		return queue.Permanent(fmt.Errorf("unknown kb-reindex job %q", job.Name))
	}
	var p Job
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode reindex payload: %w", err))
	}
	return o.Run(ctx, p.KBID)
}

// OnExhausted fails the reindex when its job runs out of retries, so the
// knowledge base does not stay pending forever. Old embeddings stay active.
func (o *Orchestrator) OnExhausted(ctx context.Context, job queue.Job) {
	var p Job
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return
	}
	if err := o.store.FailReindex(ctx, p.KBID, "reindex retries exhausted"); err != nil {
		o.logger.Error("fail exhausted reindex", "kb_id", p.KBID, "error", err)
	}
	if err := o.store.DiscardShadowEmbeddings(ctx, p.KBID); err != nil {
		o.logger.Error("discard shadow embeddings", "kb_id", p.KBID, "error", err)
	}
}

// Run re-embeds every chunk of the knowledge base in batches. Cancellation
// is checked between batches; the in-flight batch always completes. On full
// completion the shadow set is promoted atomically. A failed pass leaves the
// old embeddings active.
func (o *Orchestrator) Run(ctx context.Context, kbID uuid.UUID) error {
	if err := o.store.SetReindexRunning(ctx, kbID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		// Conflict: either a redelivery of a pass already in progress
		// (resume it) or a state that no longer wants this job (drop it).
		kb, kerr := o.store.GetKB(ctx, kbID)
		if kerr != nil || kb.ReindexStatus != models.ReindexStatusInProgress {
			return nil
		}
	}

	kb, err := o.store.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	if kb.PendingModel == nil || *kb.PendingModel == "" {
		return queue.Permanent(fmt.Errorf("knowledge base %s has no pending model", kbID))
	}
	model := *kb.PendingModel

	total, err := o.store.CountChunks(ctx, kbID)
	if err != nil {
		return err
	}

	o.logger.Info("reindex running", "kb_id", kbID, "model", model, "chunks", total)

	processed := 0
	wantDim := 0
	after := uuid.Nil
	for {
		canceled, err := o.store.ReindexCancelRequested(ctx, kbID)
		if err != nil {
			return err
		}
		if canceled {
			return o.abort(ctx, kbID)
		}

		batch, err := o.store.ListChunkBatch(ctx, kbID, after, o.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := o.embedder.Embed(ctx, model, texts)
		if err != nil {
			return fmt.Errorf("re-embed batch for %s: %w", kbID, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		if err := embed.CheckDimensions(model, wantDim, vectors); err != nil {
			return o.failTerminal(ctx, kbID, err)
		}
		if wantDim == 0 && len(vectors) > 0 {
			wantDim = len(vectors[0])
		}

		pairs := make([]store.ChunkEmbedding, len(batch))
		for i, c := range batch {
			pairs[i] = store.ChunkEmbedding{ChunkID: c.ID, Vector: vectors[i]}
		}
		if err := o.store.WriteShadowEmbeddings(ctx, model, pairs); err != nil {
			return err
		}

		processed += len(batch)
		progress := 100
		if total > 0 {
			progress = processed * 100 / total
		}
		if err := o.store.UpdateReindexProgress(ctx, kbID, progress); err != nil {
			return err
		}

		after = batch[len(batch)-1].ID
	}

	if err := o.store.PromoteShadowEmbeddings(ctx, kbID, model); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Canceled or failed under us; nothing to promote.
			return nil
		}
		return err
	}

	o.logger.Info("reindex succeeded", "kb_id", kbID, "model", model, "chunks", processed)
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, kbID uuid.UUID) error {
	if err := o.store.DiscardShadowEmbeddings(ctx, kbID); err != nil {
		return err
	}
	if err := o.store.ResetReindex(ctx, kbID); err != nil {
		return err
	}
	o.logger.Info("reindex canceled", "kb_id", kbID)
	return nil
}

// failTerminal records a failure that retrying cannot fix.
func (o *Orchestrator) failTerminal(ctx context.Context, kbID uuid.UUID, cause error) error {
	if err := o.store.FailReindex(ctx, kbID, cause.Error()); err != nil {
		return err
	}
	if err := o.store.DiscardShadowEmbeddings(ctx, kbID); err != nil {
		o.logger.Error("discard shadow embeddings", "kb_id", kbID, "error", err)
	}
	o.logger.Error("reindex failed terminally", "kb_id", kbID, "error", cause)
	return queue.Permanent(cause)
}
