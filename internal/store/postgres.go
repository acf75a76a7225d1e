package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashwinpillai/kbingest/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sources ---

func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, kb_id, name, crawl_type, seed_urls, enrich_enabled, created_at, updated_at
		 FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.TenantID, &src.KBID, &src.Name, &src.CrawlType,
		&src.SeedURLs, &src.EnrichEnabled, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

// --- Source runs ---

const runColumns = `id, source_id, tenant_id, status, trigger, pages_seen, pages_indexed,
	pages_failed, tokens_estimated, pages_outstanding, cancel_requested, error,
	started_at, finished_at, created_at, updated_at`

func scanRun(row pgx.Row) (*models.SourceRun, error) {
	var r models.SourceRun
	err := row.Scan(&r.ID, &r.SourceID, &r.TenantID, &r.Status, &r.Trigger,
		&r.PagesSeen, &r.PagesIndexed, &r.PagesFailed, &r.TokensEstimated,
		&r.PagesOutstanding, &r.CancelRequested, &r.ErrorMessage,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source run: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.SourceRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_runs (id, source_id, tenant_id, status, trigger, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.SourceID, run.TenantID, run.Status, run.Trigger, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.SourceRun, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM source_runs WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveRunForSource(ctx context.Context, sourceID uuid.UUID) (*models.SourceRun, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM source_runs
		 WHERE source_id = $1 AND status IN ('pending', 'running')`, sourceID))
}

// MarkRunDiscovered moves a pending run to running and inserts its page rows
// in one transaction, so the counter and the page worklist can never disagree.
func (s *PostgresStore) MarkRunDiscovered(ctx context.Context, runID uuid.UUID, pages []*models.Page) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark run discovered: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE source_runs
		 SET status = 'running', pages_seen = $2, pages_outstanding = $2,
		     started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, runID, len(pages))
	if err != nil {
		return fmt.Errorf("mark run discovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.runConflictOrNotFound(ctx, runID)
	}

	if len(pages) > 0 {
		batch := &pgx.Batch{}
		for _, p := range pages {
			batch.Queue(
				`INSERT INTO pages (id, run_id, source_id, kb_id, tenant_id, url, status, content, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8)`,
				p.ID, p.RunID, p.SourceID, p.KBID, p.TenantID, p.URL, p.Status, p.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for range pages {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("create run pages: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("create run pages: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RequestRunCancel(ctx context.Context, runID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_runs SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`, runID)
	if err != nil {
		return fmt.Errorf("request run cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Canceling a terminal run is a no-op, not an error.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeRun moves a run to a terminal status. Runs never leave a terminal
// status: finalizing an already-terminal run returns ErrConflict.
func (s *PostgresStore) FinalizeRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error {
	switch status {
	case models.RunStatusSucceeded, models.RunStatusPartial, models.RunStatusFailed, models.RunStatusCanceled:
	default:
		return fmt.Errorf("finalize run: %q is not a terminal status", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE source_runs
		 SET status = $2, error = $3, finished_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`, runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.runConflictOrNotFound(ctx, runID)
	}
	return nil
}

// RecordPageResult resolves one page and decrements the run's outstanding
// counter atomically. The conditional page update serializes duplicate
// deliveries: only the resolution that flips the page out of
// pending/processing decrements the counter.
func (s *PostgresStore) RecordPageResult(ctx context.Context, runID uuid.UUID, result PageResult) (int, error) {
	var (
		status  string
		indexed int
		failed  int
		tokens  int64
		errMsg  *string
	)
	switch {
	case result.Discarded:
		status = models.PageStatusDiscarded
	case result.Indexed:
		status = models.PageStatusIndexed
		indexed = 1
		tokens = result.Tokens
	case result.Failed:
		status = models.PageStatusFailed
		failed = 1
		if result.Error != "" {
			msg := result.Error
			errMsg = &msg
		}
	default:
		return 0, fmt.Errorf("page result for %s carries no outcome", result.PageID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin record page result: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pages SET status = $2, error = $3
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		result.PageID, status, errMsg)
	if err != nil {
		return 0, fmt.Errorf("resolve page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPage(ctx, result.PageID); getErr != nil {
			return 0, getErr
		}
		return 0, ErrPageAlreadyResolved
	}

	var remaining int
	err = tx.QueryRow(ctx,
		`UPDATE source_runs
		 SET pages_indexed = pages_indexed + $2,
		     pages_failed = pages_failed + $3,
		     tokens_estimated = tokens_estimated + $4,
		     pages_outstanding = pages_outstanding - 1,
		     updated_at = NOW()
		 WHERE id = $1 AND pages_outstanding > 0
		 RETURNING pages_outstanding`,
		runID, indexed, failed, tokens,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return 0, getErr
		}
		return 0, ErrNoOutstandingPages
	}
	if err != nil {
		return 0, fmt.Errorf("record page result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit page result: %w", err)
	}
	return remaining, nil
}

func (s *PostgresStore) runConflictOrNotFound(ctx context.Context, runID uuid.UUID) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrConflict
}

// --- Pages ---

func (s *PostgresStore) GetPage(ctx context.Context, id uuid.UUID) (*models.Page, error) {
	var p models.Page
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, source_id, kb_id, tenant_id, url, status, content, metadata, error, created_at
		 FROM pages WHERE id = $1`, id,
	).Scan(&p.ID, &p.RunID, &p.SourceID, &p.KBID, &p.TenantID,
		&p.URL, &p.Status, &p.Content, &p.Metadata, &p.ErrorMessage, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return &p, nil
}

// ListPendingPages returns the run's pages that were never handed to the
// page queue, in discovery order.
func (s *PostgresStore) ListPendingPages(ctx context.Context, runID uuid.UUID) ([]*models.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, source_id, kb_id, tenant_id, url, status, content, metadata, error, created_at
		 FROM pages WHERE run_id = $1 AND status = 'pending' ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list pending pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		var p models.Page
		if err := rows.Scan(&p.ID, &p.RunID, &p.SourceID, &p.KBID, &p.TenantID,
			&p.URL, &p.Status, &p.Content, &p.Metadata, &p.ErrorMessage, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending page: %w", err)
		}
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) SetPageContent(ctx context.Context, id uuid.UUID, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET content = $2, status = 'processing'
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, content)
	if err != nil {
		return fmt.Errorf("set page content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPage(ctx, id); err != nil {
			return err
		}
		return ErrPageAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) SetPageMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET metadata = $2 WHERE id = $1`, id, metadata)
	if err != nil {
		return fmt.Errorf("set page metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chunks ---

// CreateChunks stores chunks, first dropping any earlier set for the same
// pages. A redelivered index job re-chunks the page instead of appending a
// second copy of every chunk.
func (s *PostgresStore) CreateChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create chunks: %w", err)
	}
	defer tx.Rollback(ctx)

	cleared := map[uuid.UUID]bool{}
	for _, c := range chunks {
		if cleared[c.PageID] {
			continue
		}
		cleared[c.PageID] = true
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE page_id = $1`, c.PageID); err != nil {
			return fmt.Errorf("replace page chunks: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (id, page_id, kb_id, tenant_id, seq, content, token_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.PageID, c.KBID, c.TenantID, c.Seq, c.Content, c.TokenCount, c.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("create chunks: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("create chunks: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListChunksByPage(ctx context.Context, pageID uuid.UUID) ([]*models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, page_id, kb_id, tenant_id, seq, content, token_count,
		        embedding, embedding_model, shadow_embedding, shadow_model, created_at
		 FROM chunks WHERE page_id = $1 ORDER BY seq`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list chunks by page: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (s *PostgresStore) UpdateChunkEmbeddings(ctx context.Context, model string, embeddings []ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(
			`UPDATE chunks SET embedding = $2, embedding_model = $3 WHERE id = $1`,
			e.ChunkID, e.Vector, model)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range embeddings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update chunk embeddings: %w", err)
		}
	}
	return nil
}

func collectChunks(rows pgx.Rows) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.PageID, &c.KBID, &c.TenantID, &c.Seq, &c.Content,
			&c.TokenCount, &c.Embedding, &c.EmbeddingModel,
			&c.ShadowEmbedding, &c.ShadowModel, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// --- Knowledge bases ---

func (s *PostgresStore) GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, active_model, reindex_status, pending_model,
		        reindex_progress, reindex_error, reindex_cancel_requested, created_at, updated_at
		 FROM knowledge_bases WHERE id = $1`, id,
	).Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.ActiveModel, &kb.ReindexStatus,
		&kb.PendingModel, &kb.ReindexProgress, &kb.ReindexError,
		&kb.ReindexCancelRequested, &kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge base: %w", err)
	}
	return &kb, nil
}

func (s *PostgresStore) RequestReindex(ctx context.Context, kbID uuid.UUID, newModel string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases
		 SET reindex_status = 'pending', pending_model = $2, reindex_progress = 0,
		     reindex_error = NULL, reindex_cancel_requested = FALSE, updated_at = NOW()
		 WHERE id = $1 AND reindex_status NOT IN ('pending', 'in_progress')`, kbID, newModel)
	if err != nil {
		return fmt.Errorf("request reindex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.kbConflictOrNotFound(ctx, kbID)
	}
	return nil
}

func (s *PostgresStore) SetReindexRunning(ctx context.Context, kbID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases SET reindex_status = 'in_progress', updated_at = NOW()
		 WHERE id = $1 AND reindex_status = 'pending'`, kbID)
	if err != nil {
		return fmt.Errorf("set reindex running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.kbConflictOrNotFound(ctx, kbID)
	}
	return nil
}

func (s *PostgresStore) UpdateReindexProgress(ctx context.Context, kbID uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases SET reindex_progress = $2, updated_at = NOW()
		 WHERE id = $1 AND reindex_status = 'in_progress'`, kbID, progress)
	if err != nil {
		return fmt.Errorf("update reindex progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailReindex(ctx context.Context, kbID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases
		 SET reindex_status = 'failed', reindex_error = $2, updated_at = NOW()
		 WHERE id = $1 AND reindex_status IN ('pending', 'in_progress')`, kbID, errMsg)
	if err != nil {
		return fmt.Errorf("fail reindex: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequestReindexCancel(ctx context.Context, kbID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases SET reindex_cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND reindex_status IN ('pending', 'in_progress')`, kbID)
	if err != nil {
		return fmt.Errorf("request reindex cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.kbConflictOrNotFound(ctx, kbID)
	}
	return nil
}

func (s *PostgresStore) ReindexCancelRequested(ctx context.Context, kbID uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT reindex_cancel_requested FROM knowledge_bases WHERE id = $1`, kbID,
	).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get reindex cancel flag: %w", err)
	}
	return requested, nil
}

func (s *PostgresStore) ResetReindex(ctx context.Context, kbID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_bases
		 SET reindex_status = 'none', pending_model = NULL, reindex_progress = 0,
		     reindex_error = NULL, reindex_cancel_requested = FALSE, updated_at = NOW()
		 WHERE id = $1`, kbID)
	if err != nil {
		return fmt.Errorf("reset reindex: %w", err)
	}
	return nil
}

func (s *PostgresStore) kbConflictOrNotFound(ctx context.Context, kbID uuid.UUID) error {
	if _, err := s.GetKB(ctx, kbID); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) CountChunks(ctx context.Context, kbID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunks WHERE kb_id = $1`, kbID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// ListChunkBatch pages through a knowledge base's chunks by id. Pass
// uuid.Nil to start from the beginning.
func (s *PostgresStore) ListChunkBatch(ctx context.Context, kbID uuid.UUID, after uuid.UUID, limit int) ([]*models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, page_id, kb_id, tenant_id, seq, content, token_count,
		        embedding, embedding_model, shadow_embedding, shadow_model, created_at
		 FROM chunks WHERE kb_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		kbID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list chunk batch: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (s *PostgresStore) WriteShadowEmbeddings(ctx context.Context, model string, embeddings []ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(
			`UPDATE chunks SET shadow_embedding = $2, shadow_model = $3 WHERE id = $1`,
			e.ChunkID, e.Vector, model)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range embeddings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write shadow embeddings: %w", err)
		}
	}
	return nil
}

// PromoteShadowEmbeddings atomically makes the shadow embeddings active and
// completes the reindex. Read paths only ever see fully swapped state.
func (s *PostgresStore) PromoteShadowEmbeddings(ctx context.Context, kbID uuid.UUID, model string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE chunks
		 SET embedding = shadow_embedding, embedding_model = shadow_model,
		     shadow_embedding = NULL, shadow_model = NULL
		 WHERE kb_id = $1 AND shadow_model = $2`, kbID, model)
	if err != nil {
		return fmt.Errorf("promote shadow embeddings: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE knowledge_bases
		 SET active_model = $2, reindex_status = 'succeeded', pending_model = NULL,
		     reindex_progress = 100, reindex_error = NULL,
		     reindex_cancel_requested = FALSE, updated_at = NOW()
		 WHERE id = $1 AND reindex_status = 'in_progress'`, kbID, model)
	if err != nil {
		return fmt.Errorf("complete reindex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.kbConflictOrNotFound(ctx, kbID)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) DiscardShadowEmbeddings(ctx context.Context, kbID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET shadow_embedding = NULL, shadow_model = NULL
		 WHERE kb_id = $1 AND shadow_model IS NOT NULL`, kbID)
	if err != nil {
		return fmt.Errorf("discard shadow embeddings: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
