package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicateKey covers unique violations, including the
	// at-most-one-active-run-per-source index.
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrConflict is returned when a conditional state change loses against
	// the current state (reindex already running, run already terminal).
	ErrConflict = errors.New("conflicting state")
	// ErrNoOutstandingPages signals a page-result write against a run whose
	// fan-in counter already drained, which happens on duplicate delivery.
	ErrNoOutstandingPages = errors.New("run has no outstanding pages")
	// ErrPageAlreadyResolved signals a page resolution that lost against an
	// earlier one. The counter was already decremented for the page, so the
	// caller drops the result instead of counting it twice.
	ErrPageAlreadyResolved = errors.New("page already resolved")
)

// ChunkEmbedding is one chunk's computed vector.
type ChunkEmbedding struct {
	ChunkID uuid.UUID
	Vector  []float32
}

// PageResult records how one page unit resolved.
type PageResult struct {
	PageID  uuid.UUID
	Indexed bool
	Failed  bool
	// Discarded means the page resolved without touching stats (run canceled).
	Discarded bool
	Tokens    int64
	// Error is recorded on the page row when Failed.
	Error string
}

// VectorTombstone marks a chunk id that was hard-deleted relationally but
// may still be present in an external vector index.
type VectorTombstone struct {
	ID      int64
	KBID    uuid.UUID
	ChunkID uuid.UUID
}

// CascadeCounts reports what a hard delete removed.
type CascadeCounts struct {
	Tenants    int64
	KBs        int64
	Sources    int64
	Runs       int64
	Pages      int64
	Chunks     int64
	Agents     int64
	Endpoints  int64
	Tombstones int64
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Sources and runs
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	CreateRun(ctx context.Context, run *models.SourceRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.SourceRun, error)
	GetActiveRunForSource(ctx context.Context, sourceID uuid.UUID) (*models.SourceRun, error)
	// MarkRunDiscovered moves a pending run to running and creates its page
	// rows with the fan-in counter set, all in one transaction. The pending
	// page rows are the durable fan-out worklist: discover redeliveries read
	// them back to resume where an earlier delivery stopped.
	MarkRunDiscovered(ctx context.Context, runID uuid.UUID, pages []*models.Page) error
	RequestRunCancel(ctx context.Context, runID uuid.UUID) error
	FinalizeRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error
	// RecordPageResult resolves one page and decrements the outstanding
	// counter, returning how many page units remain. Only the first
	// resolution of a page counts; later ones get ErrPageAlreadyResolved.
	RecordPageResult(ctx context.Context, runID uuid.UUID, result PageResult) (remaining int, err error)

	// Pages and chunks
	GetPage(ctx context.Context, id uuid.UUID) (*models.Page, error)
	ListPendingPages(ctx context.Context, runID uuid.UUID) ([]*models.Page, error)
	// SetPageContent stores a fetched body and moves the page to processing.
	// Resolved pages are left alone and report ErrPageAlreadyResolved.
	SetPageContent(ctx context.Context, id uuid.UUID, content string) error
	SetPageMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error
	// CreateChunks stores chunks, replacing any earlier set for the same
	// pages so a redelivered index job does not duplicate rows.
	CreateChunks(ctx context.Context, chunks []*models.Chunk) error
	ListChunksByPage(ctx context.Context, pageID uuid.UUID) ([]*models.Chunk, error)
	UpdateChunkEmbeddings(ctx context.Context, model string, embeddings []ChunkEmbedding) error

	// Knowledge bases and reindex state
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
	WriteShadowEmbeddings(ctx context.Context, model string, embeddings []ChunkEmbedding) error
	PromoteShadowEmbeddings(ctx context.Context, kbID uuid.UUID, model string) error
	DiscardShadowEmbeddings(ctx context.Context, kbID uuid.UUID) error

	// Hard-delete cascades. Each deletes leaf-to-root inside one transaction
	// and returns ErrNotFound when the root object does not exist.
	CascadeDeleteTenant(ctx context.Context, id uuid.UUID) (CascadeCounts, error)
	CascadeDeleteKB(ctx context.Context, id uuid.UUID) (CascadeCounts, error)
	CascadeDeleteSource(ctx context.Context, id uuid.UUID) (CascadeCounts, error)
	CascadeDeleteRun(ctx context.Context, id uuid.UUID) (CascadeCounts, error)
	CascadeDeleteAgent(ctx context.Context, id uuid.UUID) (CascadeCounts, error)

	// Vector tombstones, drained by the index sweeper after cascades.
	ListVectorTombstones(ctx context.Context, limit int) ([]VectorTombstone, error)
	DeleteVectorTombstones(ctx context.Context, ids []int64) error
}
