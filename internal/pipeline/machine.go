package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/embed"
	"github.com/ashwinpillai/kbingest/internal/fairness"
	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// ErrActiveRunExists is returned by Start when the source already has a
// pending or running run and force was not requested.
var ErrActiveRunExists = errors.New("source already has an active run")

// StageTransitionError marks an attempt to move a run to a stage it cannot
// reach. The job carrying it is discarded, not retried.
type StageTransitionError struct {
	RunID  uuid.UUID
	Target string
}

func (e *StageTransitionError) Error() string {
	return fmt.Sprintf("run %s cannot transition to %q", e.RunID, e.Target)
}

// SlotAllocator gates how many page jobs a run may fan out per wave.
// *fairness.Allocator is the production implementation.
type SlotAllocator interface {
	Acquire(ctx context.Context, tenantID, runID uuid.UUID) (fairness.Grant, error)
	Heartbeat(ctx context.Context, tenantID, runID uuid.UUID) error
	Release(ctx context.Context, tenantID, runID uuid.UUID) error
}

// Enqueuer is the producer side of the job queues. *queue.Client satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any) error
	EnqueueIn(ctx context.Context, queueName, jobName string, payload any, delay time.Duration) error
}

// Config wires a Machine's collaborators.
type Config struct {
	Store     store.Store
	Queue     Enqueuer
	Slots     SlotAllocator
	Fetcher   Fetcher
	Enricher  Enricher
	Embedder  embed.Embedder
	Logger    *slog.Logger
	ChunkSize int
}

// Machine drives source runs through their stages:
// pending → running(discover, process*, index*, embed*, enrich*) → terminal.
// All inter-stage coordination is durable: the run row carries the status
// and the outstanding-page counter, and stages hand off through the queues.
type Machine struct {
	store     store.Store
	queue     Enqueuer
	slots     SlotAllocator
	fetcher   Fetcher
	enricher  Enricher
	embedder  embed.Embedder
	logger    *slog.Logger
	chunkSize int
}

func NewMachine(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:     cfg.Store,
		queue:     cfg.Queue,
		slots:     cfg.Slots,
		fetcher:   cfg.Fetcher,
		enricher:  cfg.Enricher,
		embedder:  cfg.Embedder,
		logger:    logger,
		chunkSize: cfg.ChunkSize,
	}
}

// Start creates a pending run for the source and enqueues discovery.
// A source can hold at most one active run; with force the existing active
// run is canceled and superseded.
func (m *Machine) Start(ctx context.Context, sourceID uuid.UUID, trigger string, force bool) (*models.SourceRun, error) {
	source, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	active, err := m.store.GetActiveRunForSource(ctx, sourceID)
	switch {
	case err == nil:
		if !force {
			return nil, ErrActiveRunExists
		}
		msg := "superseded by forced restart"
		if err := m.store.RequestRunCancel(ctx, active.ID); err != nil {
			return nil, err
		}
		if err := m.store.FinalizeRun(ctx, active.ID, models.RunStatusCanceled, &msg); err != nil &&
			!errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if err := m.slots.Release(ctx, active.TenantID, active.ID); err != nil {
			m.logger.Warn("release slots for superseded run failed",
				"run_id", active.ID, "error", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.SourceRun{
		ID:        uuid.New(),
		SourceID:  source.ID,
		TenantID:  source.TenantID,
		Status:    models.RunStatusPending,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with a concurrent start.
			return nil, ErrActiveRunExists
		}
		return nil, err
	}

	if err := m.queue.Enqueue(ctx, queue.QueueSourceRun, jobNameDiscover, RunJob{RunID: run.ID}); err != nil {
		return nil, err
	}

	m.logger.Info("run started",
		"run_id", run.ID, "source_id", sourceID, "trigger", trigger, "force", force)
	return run, nil
}

// Discover resolves the source's crawl configuration into candidate URLs,
// moves the run to running with one pending page row per URL, and fans out
// page-process jobs under the fairness allocator's grants. A delivery
// against a run already running resumes fan-out from the pages still
// pending, so a mid-fan-out failure or crash never strands counter units.
func (m *Machine) Discover(ctx context.Context, runID uuid.UUID) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.Terminal() {
		return nil
	}
	if run.Status == models.RunStatusRunning {
		return m.resumeFanOut(ctx, run)
	}
	if run.CancelRequested {
		return m.finalizeAs(ctx, run, models.RunStatusCanceled, nil)
	}

	source, err := m.store.GetSource(ctx, run.SourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			msg := "source deleted before discovery"
			return m.finalizeAs(ctx, run, models.RunStatusFailed, &msg)
		}
		return err
	}

	urls, err := m.fetcher.DiscoverURLs(ctx, source)
	if err != nil {
		return fmt.Errorf("discover %s: %w", source.Name, err)
	}
	urls = dedupe(urls)

	if len(urls) == 0 {
		if err := m.store.MarkRunDiscovered(ctx, runID, nil); err != nil &&
			!errors.Is(err, store.ErrConflict) {
			return err
		}
		return m.finalizeAs(ctx, run, models.RunStatusSucceeded, nil)
	}

	now := time.Now().UTC()
	pages := make([]*models.Page, len(urls))
	for i, u := range urls {
		pages[i] = &models.Page{
			ID:        uuid.New(),
			RunID:     runID,
			SourceID:  source.ID,
			KBID:      source.KBID,
			TenantID:  source.TenantID,
			URL:       u,
			Status:    models.PageStatusPending,
			CreatedAt: now,
		}
	}
	if err := m.store.MarkRunDiscovered(ctx, runID, pages); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost against a concurrent delivery that moved the run along.
			return nil
		}
		return err
	}

	m.logger.Info("run discovered",
		"run_id", runID, "source_id", source.ID, "pages_seen", len(pages))
	return m.fanOut(ctx, run, pages)
}

// resumeFanOut re-enqueues page jobs for the run's still-pending pages. The
// pending page rows are the durable record of what an earlier delivery never
// handed to the page queue, whether it stopped on an enqueue error, a crash,
// or a deferred slot grant.
func (m *Machine) resumeFanOut(ctx context.Context, run *models.SourceRun) error {
	pages, err := m.store.ListPendingPages(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		// Every page is enqueued or resolved; the counter drains through
		// the page handlers.
		return nil
	}
	m.logger.Info("fan-out resumed", "run_id", run.ID, "pages_pending", len(pages))
	return m.fanOut(ctx, run, pages)
}

// fanOut enqueues page-process jobs in waves sized by the fairness grant.
// A refused grant defers the rest of the fan-out by scheduling a delayed
// discover, which resumes from the pending pages. A cancellation between
// waves stops enqueuing and resolves the remaining pages as discarded.
// Enqueuing a page twice is harmless: a page resolves at most once.
func (m *Machine) fanOut(ctx context.Context, run *models.SourceRun, pages []*models.Page) error {
	enqueued := 0
	for enqueued < len(pages) {
		current, err := m.store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.CancelRequested || current.Status != models.RunStatusRunning {
			m.logger.Info("fan-out stopped",
				"run_id", run.ID, "enqueued", enqueued, "discarded", len(pages)-enqueued)
			return m.discardUnits(ctx, run.ID, pages[enqueued:])
		}

		grant, err := m.slots.Acquire(ctx, run.TenantID, run.ID)
		if err != nil {
			return err
		}
		if !grant.Granted {
			m.logger.Info("crawl slots refused, fan-out deferred",
				"run_id", run.ID, "retry_after", grant.RetryAfter)
			return m.queue.EnqueueIn(ctx, queue.QueueSourceRun, jobNameDiscover,
				RunJob{RunID: run.ID}, grant.RetryAfter)
		}
		if err := m.slots.Heartbeat(ctx, run.TenantID, run.ID); err != nil {
			m.logger.Warn("slot heartbeat failed", "run_id", run.ID, "error", err)
		}

		end := enqueued + grant.Slots
		if end > len(pages) {
			end = len(pages)
		}
		for _, p := range pages[enqueued:end] {
			job := PageJob{RunID: run.ID, PageID: p.ID}
			if err := m.queue.Enqueue(ctx, queue.QueuePageProcess, jobNameProcessPage, job); err != nil {
				return err
			}
			enqueued++
		}
	}
	return nil
}

// discardUnits resolves pages that never reached the page queue as
// discarded, so a stopped fan-out still drains the fan-in counter to zero.
func (m *Machine) discardUnits(ctx context.Context, runID uuid.UUID, pages []*models.Page) error {
	for _, p := range pages {
		if err := m.resolvePage(ctx, runID, store.PageResult{PageID: p.ID, Discarded: true}); err != nil {
			return err
		}
	}
	return nil
}

// ProcessPage fetches the page's URL and stores the body, then hands off to
// the index stage. Work for a run that is no longer running is discarded.
func (m *Machine) ProcessPage(ctx context.Context, job PageJob) error {
	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.CancelRequested || run.Status != models.RunStatusRunning {
		return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: job.PageID, Discarded: true})
	}

	page, err := m.store.GetPage(ctx, job.PageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if page.Resolved() {
		// Duplicate delivery after the page already resolved.
		return nil
	}

	content, err := m.fetcher.FetchPage(ctx, page.URL)
	if err != nil {
		return fmt.Errorf("process page %s: %w", page.URL, err)
	}
	if err := m.store.SetPageContent(ctx, page.ID, content); err != nil {
		if errors.Is(err, store.ErrPageAlreadyResolved) {
			return nil
		}
		return err
	}

	return m.queue.Enqueue(ctx, queue.QueuePageIndex, jobNameIndexPage, job)
}

// IndexPage chunks the page content and hands off to the embed stage.
func (m *Machine) IndexPage(ctx context.Context, job PageJob) error {
	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.CancelRequested || run.Status != models.RunStatusRunning {
		return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: job.PageID, Discarded: true})
	}

	page, err := m.store.GetPage(ctx, job.PageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if page.Resolved() {
		return nil
	}

	parts := chunkText(page.Content, m.chunkSize)
	if len(parts) == 0 {
		// Nothing embeddable; the page still counts as indexed.
		return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: page.ID, Indexed: true})
	}

	now := time.Now().UTC()
	chunks := make([]*models.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = &models.Chunk{
			ID:         uuid.New(),
			PageID:     page.ID,
			KBID:       page.KBID,
			TenantID:   page.TenantID,
			Seq:        i,
			Content:    part.Content,
			TokenCount: part.Tokens,
			CreatedAt:  now,
		}
	}
	if err := m.store.CreateChunks(ctx, chunks); err != nil {
		return err
	}

	return m.queue.Enqueue(ctx, queue.QueueEmbedChunks, jobNameEmbedChunks, job)
}

// EmbedChunks computes embeddings for the page's chunks under the knowledge
// base's active model. A dimension mismatch is permanent; provider or store
// errors retry under the queue's policy.
func (m *Machine) EmbedChunks(ctx context.Context, job PageJob) error {
	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.CancelRequested || run.Status != models.RunStatusRunning {
		return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: job.PageID, Discarded: true})
	}

	page, err := m.store.GetPage(ctx, job.PageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if page.Resolved() {
		return nil
	}
	chunks, err := m.store.ListChunksByPage(ctx, page.ID)
	if err != nil {
		return err
	}
	kb, err := m.store.GetKB(ctx, page.KBID)
	if err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	tokens := int64(0)
	for i, c := range chunks {
		texts[i] = c.Content
		tokens += int64(c.TokenCount)
	}

	vectors, err := m.embedder.Embed(ctx, kb.ActiveModel, texts)
	if err != nil {
		return fmt.Errorf("embed page %s: %w", page.ID, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	if err := embed.CheckDimensions(kb.ActiveModel, 0, vectors); err != nil {
		return queue.Permanent(err)
	}

	pairs := make([]store.ChunkEmbedding, len(chunks))
	for i, c := range chunks {
		pairs[i] = store.ChunkEmbedding{ChunkID: c.ID, Vector: vectors[i]}
	}
	if err := m.store.UpdateChunkEmbeddings(ctx, kb.ActiveModel, pairs); err != nil {
		return err
	}

	source, err := m.store.GetSource(ctx, page.SourceID)
	if err == nil && source.EnrichEnabled {
		return m.queue.Enqueue(ctx, queue.QueueEnrichPage, jobNameEnrichPage, job)
	}

	return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: page.ID, Indexed: true, Tokens: tokens})
}

// EnrichPage attaches derived metadata to an already-indexed page. The page
// resolves as indexed either way: enrichment is auxiliary and a broken
// enricher must not turn indexed pages into failures.
func (m *Machine) EnrichPage(ctx context.Context, job PageJob) error {
	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.CancelRequested || run.Status != models.RunStatusRunning {
		return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: job.PageID, Discarded: true})
	}

	page, err := m.store.GetPage(ctx, job.PageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if page.Resolved() {
		return nil
	}

	meta, err := m.enricher.Enrich(ctx, page)
	if err != nil {
		m.logger.Warn("page enrichment failed",
			"run_id", job.RunID, "page_id", job.PageID, "error", err)
	} else if len(meta) > 0 {
		if err := m.store.SetPageMetadata(ctx, page.ID, meta); err != nil {
			return err
		}
	}

	chunks, err := m.store.ListChunksByPage(ctx, page.ID)
	if err != nil {
		return err
	}
	tokens := int64(0)
	for _, c := range chunks {
		tokens += int64(c.TokenCount)
	}
	return m.resolvePage(ctx, job.RunID, store.PageResult{PageID: page.ID, Indexed: true, Tokens: tokens})
}

// Finalize moves a run with a drained fan-in counter to its terminal status.
// Already-terminal runs are a no-op, which makes replays harmless.
func (m *Machine) Finalize(ctx context.Context, runID uuid.UUID) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.Terminal() {
		return nil
	}

	status := models.RunStatusSucceeded
	var msg *string
	switch {
	case run.CancelRequested:
		status = models.RunStatusCanceled
	case run.PagesSeen > 0 && run.PagesIndexed == 0:
		status = models.RunStatusFailed
		s := "no pages indexed"
		msg = &s
	case run.PagesFailed > 0:
		status = models.RunStatusPartial
	}

	return m.finalizeAs(ctx, run, status, msg)
}

func (m *Machine) finalizeAs(ctx context.Context, run *models.SourceRun, status string, msg *string) error {
	if err := m.store.FinalizeRun(ctx, run.ID, status, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	if err := m.slots.Release(ctx, run.TenantID, run.ID); err != nil {
		m.logger.Warn("release run slots failed", "run_id", run.ID, "error", err)
	}
	m.logger.Info("run finalized",
		"run_id", run.ID, "status", status,
		"pages_seen", run.PagesSeen, "pages_indexed", run.PagesIndexed, "pages_failed", run.PagesFailed)
	return nil
}

// Cancel requests cooperative cancellation: no new page jobs are enqueued
// and in-flight pages drain as discarded before the run finalizes canceled.
func (m *Machine) Cancel(ctx context.Context, runID uuid.UUID) error {
	return m.store.RequestRunCancel(ctx, runID)
}

// Transition nudges a run toward a target stage, used to resume after a
// worker restart. The target is validated before anything else, so an
// unknown stage is rejected even for terminal or missing runs. Replaying a
// transition already taken is a no-op: the run status decides whether the
// matching job is re-enqueued.
func (m *Machine) Transition(ctx context.Context, runID uuid.UUID, target string) error {
	switch target {
	case jobNameDiscover, jobNameFinalize:
	default:
		return &StageTransitionError{RunID: runID, Target: target}
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.Terminal() {
		return nil
	}

	switch target {
	case jobNameDiscover:
		// Pending runs start discovery; running runs resume fan-out from
		// their pending pages.
		return m.queue.Enqueue(ctx, queue.QueueSourceRun, jobNameDiscover, RunJob{RunID: runID})
	case jobNameFinalize:
		if run.Status != models.RunStatusRunning || run.PagesOutstanding != 0 {
			return nil
		}
		return m.queue.Enqueue(ctx, queue.QueueSourceRun, jobNameFinalize, RunJob{RunID: runID})
	}
	return nil
}

// resolvePage records one page unit's outcome and decrements the fan-in
// counter. The decrement that reaches zero enqueues finalize; since the
// counter drains exactly once, finalize is enqueued exactly once. A
// duplicate resolution loses the conditional page update and is logged,
// not counted.
func (m *Machine) resolvePage(ctx context.Context, runID uuid.UUID, result store.PageResult) error {
	remaining, err := m.store.RecordPageResult(ctx, runID, result)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPageAlreadyResolved):
			m.logger.Warn("duplicate page resolution ignored",
				"run_id", runID, "page_id", result.PageID)
			return nil
		case errors.Is(err, store.ErrNoOutstandingPages):
			m.logger.Warn("page resolution after counter drained",
				"run_id", runID, "page_id", result.PageID)
			return nil
		case errors.Is(err, store.ErrNotFound):
			return nil
		}
		return err
	}
	if remaining == 0 {
		return m.queue.Enqueue(ctx, queue.QueueSourceRun, jobNameFinalize, RunJob{RunID: runID})
	}
	return nil
}
