package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// HandleRunJob is the source-run queue handler. Job names dispatch through
// the closed runJobKind set; anything else is dead-lettered immediately.
func (m *Machine) HandleRunJob(ctx context.Context, job queue.Job) error {
	kind, err := parseRunJobKind(job.Name)
	if err != nil {
		return queue.Permanent(err)
	}

	switch kind {
	case runJobStart:
		var p StartJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode start payload: %w", err))
		}
		_, err := m.Start(ctx, p.SourceID, p.Trigger, p.Force)
		if errors.Is(err, ErrActiveRunExists) || errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("queued start not applicable", "source_id", p.SourceID, "error", err)
			return nil
		}
		return err

	case runJobDiscover:
		var p RunJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode discover payload: %w", err))
		}
		return m.Discover(ctx, p.RunID)

	case runJobFinalize:
		var p RunJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode finalize payload: %w", err))
		}
		return m.Finalize(ctx, p.RunID)

	case runJobTransition:
		var p TransitionJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode transition payload: %w", err))
		}
		err := m.Transition(ctx, p.RunID, p.Target)
		var ste *StageTransitionError
		if errors.As(err, &ste) {
			return queue.Permanent(err)
		}
		return err
	}

	return queue.Permanent(fmt.Errorf("unhandled source-run job kind %d", kind))
}

// HandlePageProcess is the page-process queue handler.
func (m *Machine) HandlePageProcess(ctx context.Context, job queue.Job) error {
	var p PageJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode page-process payload: %w", err))
	}
	return m.ProcessPage(ctx, p)
}

// HandlePageIndex is the page-index queue handler.
func (m *Machine) HandlePageIndex(ctx context.Context, job queue.Job) error {
	var p PageJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode page-index payload: %w", err))
	}
	return m.IndexPage(ctx, p)
}

// HandleEmbedChunks is the embed-chunks queue handler.
func (m *Machine) HandleEmbedChunks(ctx context.Context, job queue.Job) error {
	var p PageJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode embed-chunks payload: %w", err))
	}
	return m.EmbedChunks(ctx, p)
}

// HandleEnrichPage is the enrich-page queue handler.
func (m *Machine) HandleEnrichPage(ctx context.Context, job queue.Job) error {
	var p PageJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode enrich-page payload: %w", err))
	}
	return m.EnrichPage(ctx, p)
}

// OnPageExhausted resolves a page unit whose job ran out of retries, so a
// permanently failing page records pages_failed instead of wedging the
// run's fan-in counter.
func (m *Machine) OnPageExhausted(ctx context.Context, job queue.Job) {
	var p PageJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		m.logger.Error("exhausted page job has undecodable payload",
			"job", job.Name, "error", err)
		return
	}
	if p.RunID == uuid.Nil || p.PageID == uuid.Nil {
		m.logger.Error("exhausted page job is missing ids", "job", job.Name)
		return
	}

	m.logger.Warn("page job exhausted retries",
		"job", job.Name, "run_id", p.RunID, "page_id", p.PageID)
	result := store.PageResult{
		PageID: p.PageID,
		Failed: true,
		Error:  "retries exhausted on " + job.Name,
	}
	if err := m.resolvePage(ctx, p.RunID, result); err != nil {
		m.logger.Error("resolve exhausted page failed", "run_id", p.RunID, "error", err)
	}
}

// OnRunJobExhausted finalizes a run whose discover or finalize job ran out
// of retries, so the run does not sit in a non-terminal status forever.
func (m *Machine) OnRunJobExhausted(ctx context.Context, job queue.Job) {
	if job.Name != jobNameDiscover && job.Name != jobNameFinalize {
		return
	}

	var p RunJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		m.logger.Error("exhausted run job has undecodable payload",
			"job", job.Name, "error", err)
		return
	}

	run, err := m.store.GetRun(ctx, p.RunID)
	if err != nil || run.Terminal() {
		return
	}

	msg := job.Name + " failed after retries exhausted"
	if err := m.finalizeAs(ctx, run, models.RunStatusFailed, &msg); err != nil {
		m.logger.Error("finalize exhausted run failed", "run_id", p.RunID, "error", err)
	}
}
