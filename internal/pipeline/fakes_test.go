package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/fairness"
	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
	"github.com/ashwinpillai/kbingest/pkg/models"
)

// fakeStore is an in-memory store.Store covering the pipeline's needs.
// RecordPageResult mirrors the production guards: a page resolves at most
// once and the counter never goes negative.
type fakeStore struct {
	mu        sync.Mutex
	sources   map[uuid.UUID]*models.Source
	runs      map[uuid.UUID]*models.SourceRun
	pages     map[uuid.UUID]*models.Page
	pageOrder []uuid.UUID
	chunks    map[uuid.UUID][]*models.Chunk
	kbs       map[uuid.UUID]*models.KnowledgeBase

	finalizeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources: map[uuid.UUID]*models.Source{},
		runs:    map[uuid.UUID]*models.SourceRun{},
		pages:   map[uuid.UUID]*models.Page{},
		chunks:  map[uuid.UUID][]*models.Chunk{},
		kbs:     map[uuid.UUID]*models.KnowledgeBase{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetSource(_ context.Context, id uuid.UUID) (*models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *models.SourceRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.SourceID == run.SourceID && !r.Terminal() {
			return store.ErrDuplicateKey
		}
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*models.SourceRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeStore) GetActiveRunForSource(_ context.Context, sourceID uuid.UUID) (*models.SourceRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.SourceID == sourceID && !r.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkRunDiscovered(_ context.Context, runID uuid.UUID, pages []*models.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status != models.RunStatusPending {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.PagesSeen = len(pages)
	run.PagesOutstanding = len(pages)
	run.StartedAt = &now
	for _, p := range pages {
		cp := *p
		f.pages[p.ID] = &cp
		f.pageOrder = append(f.pageOrder, p.ID)
	}
	return nil
}

func (f *fakeStore) RequestRunCancel(_ context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if !run.Terminal() {
		run.CancelRequested = true
	}
	return nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, runID uuid.UUID, status string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.Terminal() {
		return store.ErrConflict
	}
	f.finalizeCalls++
	now := time.Now().UTC()
	run.Status = status
	run.ErrorMessage = errMsg
	run.FinishedAt = &now
	return nil
}

func (f *fakeStore) RecordPageResult(_ context.Context, runID uuid.UUID, result store.PageResult) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return 0, store.ErrNotFound
	}
	page, ok := f.pages[result.PageID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if page.Resolved() {
		return 0, store.ErrPageAlreadyResolved
	}
	if run.PagesOutstanding <= 0 {
		return 0, store.ErrNoOutstandingPages
	}
	switch {
	case result.Discarded:
		page.Status = models.PageStatusDiscarded
	case result.Indexed:
		page.Status = models.PageStatusIndexed
		run.PagesIndexed++
		run.TokensEstimated += result.Tokens
	case result.Failed:
		page.Status = models.PageStatusFailed
		if result.Error != "" {
			msg := result.Error
			page.ErrorMessage = &msg
		}
		run.PagesFailed++
	}
	run.PagesOutstanding--
	return run.PagesOutstanding, nil
}

func (f *fakeStore) GetPage(_ context.Context, id uuid.UUID) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *page
	return &cp, nil
}

func (f *fakeStore) ListPendingPages(_ context.Context, runID uuid.UUID) ([]*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Page
	for _, id := range f.pageOrder {
		page := f.pages[id]
		if page.RunID == runID && page.Status == models.PageStatusPending {
			cp := *page
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetPageContent(_ context.Context, id uuid.UUID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		return store.ErrNotFound
	}
	if page.Resolved() {
		return store.ErrPageAlreadyResolved
	}
	page.Content = content
	page.Status = models.PageStatusProcessing
	return nil
}

func (f *fakeStore) SetPageMetadata(_ context.Context, id uuid.UUID, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		return store.ErrNotFound
	}
	page.Metadata = metadata
	return nil
}

func (f *fakeStore) CreateChunks(_ context.Context, chunks []*models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		// Replace semantics: a re-chunked page drops its earlier set.
		delete(f.chunks, c.PageID)
	}
	for _, c := range chunks {
		cp := *c
		f.chunks[c.PageID] = append(f.chunks[c.PageID], &cp)
	}
	return nil
}

func (f *fakeStore) ListChunksByPage(_ context.Context, pageID uuid.UUID) ([]*models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Chunk, 0, len(f.chunks[pageID]))
	for _, c := range f.chunks[pageID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateChunkEmbeddings(_ context.Context, model string, embeddings []store.ChunkEmbedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range embeddings {
		for _, chunks := range f.chunks {
			for _, c := range chunks {
				if c.ID == e.ChunkID {
					c.Embedding = e.Vector
					m := model
					c.EmbeddingModel = &m
				}
			}
		}
	}
	return nil
}

func (f *fakeStore) GetKB(_ context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.kbs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *kb
	return &cp, nil
}

var errNotSupported = errors.New("not supported by fake store")

func (f *fakeStore) RequestReindex(context.Context, uuid.UUID, string) error { return errNotSupported }
func (f *fakeStore) SetReindexRunning(context.Context, uuid.UUID) error      { return errNotSupported }
func (f *fakeStore) UpdateReindexProgress(context.Context, uuid.UUID, int) error {
	return errNotSupported
}
func (f *fakeStore) FailReindex(context.Context, uuid.UUID, string) error  { return errNotSupported }
func (f *fakeStore) RequestReindexCancel(context.Context, uuid.UUID) error { return errNotSupported }
func (f *fakeStore) ReindexCancelRequested(context.Context, uuid.UUID) (bool, error) {
	return false, errNotSupported
}
func (f *fakeStore) ResetReindex(context.Context, uuid.UUID) error { return errNotSupported }
func (f *fakeStore) CountChunks(context.Context, uuid.UUID) (int, error) {
	return 0, errNotSupported
}
func (f *fakeStore) ListChunkBatch(context.Context, uuid.UUID, uuid.UUID, int) ([]*models.Chunk, error) {
	return nil, errNotSupported
}
func (f *fakeStore) WriteShadowEmbeddings(context.Context, string, []store.ChunkEmbedding) error {
	return errNotSupported
}
func (f *fakeStore) PromoteShadowEmbeddings(context.Context, uuid.UUID, string) error {
	return errNotSupported
}
func (f *fakeStore) DiscardShadowEmbeddings(context.Context, uuid.UUID) error {
	return errNotSupported
}
func (f *fakeStore) CascadeDeleteTenant(context.Context, uuid.UUID) (store.CascadeCounts, error) {
	return store.CascadeCounts{}, errNotSupported
}
func (f *fakeStore) CascadeDeleteKB(context.Context, uuid.UUID) (store.CascadeCounts, error) {
	return store.CascadeCounts{}, errNotSupported
}
func (f *fakeStore) CascadeDeleteSource(context.Context, uuid.UUID) (store.CascadeCounts, error) {
	return store.CascadeCounts{}, errNotSupported
}
func (f *fakeStore) CascadeDeleteRun(context.Context, uuid.UUID) (store.CascadeCounts, error) {
	return store.CascadeCounts{}, errNotSupported
}
func (f *fakeStore) CascadeDeleteAgent(context.Context, uuid.UUID) (store.CascadeCounts, error) {
	return store.CascadeCounts{}, errNotSupported
}
func (f *fakeStore) ListVectorTombstones(context.Context, int) ([]store.VectorTombstone, error) {
	return nil, errNotSupported
}
func (f *fakeStore) DeleteVectorTombstones(context.Context, []int64) error { return errNotSupported }

var _ store.Store = (*fakeStore)(nil)

// fakeQueue records enqueued jobs and, through pump, redelivers them to the
// machine the way the workers would, including retry and exhaustion. An
// enqueue failure plan lets tests break specific producer calls.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []fakeJob
	failPlan map[string][]error
}

type fakeJob struct {
	Queue   string
	Name    string
	Payload json.RawMessage
	Attempt int
}

// planEnqueues scripts the outcomes of the next enqueues for a job name:
// each call shifts the next entry, nil meaning success.
func (q *fakeQueue) planEnqueues(jobName string, outcomes ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failPlan == nil {
		q.failPlan = map[string][]error{}
	}
	q.failPlan[jobName] = append(q.failPlan[jobName], outcomes...)
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName, jobName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if plan := q.failPlan[jobName]; len(plan) > 0 {
		next := plan[0]
		q.failPlan[jobName] = plan[1:]
		if next != nil {
			return next
		}
	}
	q.jobs = append(q.jobs, fakeJob{Queue: queueName, Name: jobName, Payload: raw})
	return nil
}

func (q *fakeQueue) EnqueueIn(ctx context.Context, queueName, jobName string, payload any, _ time.Duration) error {
	return q.Enqueue(ctx, queueName, jobName, payload)
}

func (q *fakeQueue) pop() (fakeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return fakeJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *fakeQueue) push(job fakeJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

func (q *fakeQueue) countByName(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Name == name {
			n++
		}
	}
	return n
}

const pumpMaxAttempts = 5

// pump drains the queue through the machine's handlers, applying the worker
// retry contract: errors redeliver up to pumpMaxAttempts unless permanent,
// then the matching exhaustion hook fires.
func (q *fakeQueue) pump(ctx context.Context, m *Machine) error {
	for {
		job, ok := q.pop()
		if !ok {
			return nil
		}

		qj := queue.Job{Name: job.Name, Payload: job.Payload, Attempt: job.Attempt}
		var err error
		switch job.Queue {
		case queue.QueueSourceRun:
			err = m.HandleRunJob(ctx, qj)
		case queue.QueuePageProcess:
			err = m.HandlePageProcess(ctx, qj)
		case queue.QueuePageIndex:
			err = m.HandlePageIndex(ctx, qj)
		case queue.QueueEmbedChunks:
			err = m.HandleEmbedChunks(ctx, qj)
		case queue.QueueEnrichPage:
			err = m.HandleEnrichPage(ctx, qj)
		default:
			return fmt.Errorf("pump: unknown queue %q", job.Queue)
		}
		if err == nil {
			continue
		}

		job.Attempt++
		if queue.IsPermanent(err) || job.Attempt >= pumpMaxAttempts {
			switch job.Queue {
			case queue.QueueSourceRun:
				m.OnRunJobExhausted(ctx, qj)
			default:
				m.OnPageExhausted(ctx, qj)
			}
			continue
		}
		q.push(job)
	}
}

// fakeSlots grants a fixed slot count and counts releases.
type fakeSlots struct {
	mu       sync.Mutex
	slots    int
	releases int
}

func (s *fakeSlots) Acquire(context.Context, uuid.UUID, uuid.UUID) (fairness.Grant, error) {
	return fairness.Grant{Slots: s.slots, Granted: true}, nil
}

func (s *fakeSlots) Heartbeat(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (s *fakeSlots) Release(context.Context, uuid.UUID, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

// fakeFetcher serves canned URL sets and page bodies; URLs present in fail
// always error, simulating a permanently broken page.
type fakeFetcher struct {
	urls  []string
	pages map[string]string
	fail  map[string]bool
}

func (f *fakeFetcher) DiscoverURLs(context.Context, *models.Source) ([]string, error) {
	return f.urls, nil
}

func (f *fakeFetcher) FetchPage(_ context.Context, pageURL string) (string, error) {
	if f.fail[pageURL] {
		return "", fmt.Errorf("fetch %s: status 503", pageURL)
	}
	body, ok := f.pages[pageURL]
	if !ok {
		body = "default page body with several words to chunk"
	}
	return body, nil
}
