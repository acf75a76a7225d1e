package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Hard-delete cascades. Each method deletes leaf-to-root inside a single
// transaction so a crash mid-delete never strands children without parents.
// Chunk ids are written to vector_tombstones before the chunks go, so the
// vector store can be cleaned up asynchronously afterwards.

func (s *PostgresStore) CascadeDeleteTenant(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	return s.cascade(ctx, func(ctx context.Context, tx pgx.Tx, c *CascadeCounts) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check tenant: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if err := tombstoneChunks(ctx, tx, c,
			`INSERT INTO vector_tombstones (kb_id, chunk_id)
			 SELECT kb_id, id FROM chunks WHERE tenant_id = $1`, id); err != nil {
			return err
		}

		steps := []cascadeStep{
			{&c.Chunks, `DELETE FROM chunks WHERE tenant_id = $1`},
			{&c.Pages, `DELETE FROM pages WHERE tenant_id = $1`},
			{&c.Runs, `DELETE FROM source_runs WHERE tenant_id = $1`},
			{&c.Sources, `DELETE FROM sources WHERE tenant_id = $1`},
			{&c.Endpoints, `DELETE FROM agent_endpoints WHERE agent_id IN (SELECT id FROM agents WHERE tenant_id = $1)`},
			{&c.Agents, `DELETE FROM agents WHERE tenant_id = $1`},
			{&c.KBs, `DELETE FROM knowledge_bases WHERE tenant_id = $1`},
			{&c.Tenants, `DELETE FROM tenants WHERE id = $1`},
		}
		return runCascade(ctx, tx, steps, id)
	})
}

func (s *PostgresStore) CascadeDeleteKB(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	return s.cascade(ctx, func(ctx context.Context, tx pgx.Tx, c *CascadeCounts) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM knowledge_bases WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check knowledge base: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if err := tombstoneChunks(ctx, tx, c,
			`INSERT INTO vector_tombstones (kb_id, chunk_id)
			 SELECT kb_id, id FROM chunks WHERE kb_id = $1`, id); err != nil {
			return err
		}

		steps := []cascadeStep{
			{&c.Chunks, `DELETE FROM chunks WHERE kb_id = $1`},
			{&c.Pages, `DELETE FROM pages WHERE kb_id = $1`},
			{&c.Runs, `DELETE FROM source_runs WHERE source_id IN (SELECT id FROM sources WHERE kb_id = $1)`},
			{&c.Sources, `DELETE FROM sources WHERE kb_id = $1`},
			{&c.Endpoints, `DELETE FROM agent_endpoints WHERE agent_id IN (SELECT id FROM agents WHERE kb_id = $1)`},
			{&c.Agents, `DELETE FROM agents WHERE kb_id = $1`},
			{&c.KBs, `DELETE FROM knowledge_bases WHERE id = $1`},
		}
		return runCascade(ctx, tx, steps, id)
	})
}

func (s *PostgresStore) CascadeDeleteSource(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	return s.cascade(ctx, func(ctx context.Context, tx pgx.Tx, c *CascadeCounts) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check source: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if err := tombstoneChunks(ctx, tx, c,
			`INSERT INTO vector_tombstones (kb_id, chunk_id)
			 SELECT kb_id, id FROM chunks
			 WHERE page_id IN (SELECT id FROM pages WHERE source_id = $1)`, id); err != nil {
			return err
		}

		steps := []cascadeStep{
			{&c.Chunks, `DELETE FROM chunks WHERE page_id IN (SELECT id FROM pages WHERE source_id = $1)`},
			{&c.Pages, `DELETE FROM pages WHERE source_id = $1`},
			{&c.Runs, `DELETE FROM source_runs WHERE source_id = $1`},
			{&c.Sources, `DELETE FROM sources WHERE id = $1`},
		}
		return runCascade(ctx, tx, steps, id)
	})
}

func (s *PostgresStore) CascadeDeleteRun(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	return s.cascade(ctx, func(ctx context.Context, tx pgx.Tx, c *CascadeCounts) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM source_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check source run: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if err := tombstoneChunks(ctx, tx, c,
			`INSERT INTO vector_tombstones (kb_id, chunk_id)
			 SELECT kb_id, id FROM chunks
			 WHERE page_id IN (SELECT id FROM pages WHERE run_id = $1)`, id); err != nil {
			return err
		}

		steps := []cascadeStep{
			{&c.Chunks, `DELETE FROM chunks WHERE page_id IN (SELECT id FROM pages WHERE run_id = $1)`},
			{&c.Pages, `DELETE FROM pages WHERE run_id = $1`},
			{&c.Runs, `DELETE FROM source_runs WHERE id = $1`},
		}
		return runCascade(ctx, tx, steps, id)
	})
}

func (s *PostgresStore) CascadeDeleteAgent(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	return s.cascade(ctx, func(ctx context.Context, tx pgx.Tx, c *CascadeCounts) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check agent: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		steps := []cascadeStep{
			{&c.Endpoints, `DELETE FROM agent_endpoints WHERE agent_id = $1`},
			{&c.Agents, `DELETE FROM agents WHERE id = $1`},
		}
		return runCascade(ctx, tx, steps, id)
	})
}

type cascadeStep struct {
	count *int64
	query string
}

func (s *PostgresStore) cascade(ctx context.Context, fn func(context.Context, pgx.Tx, *CascadeCounts) error) (CascadeCounts, error) {
	var counts CascadeCounts

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin cascade: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx, &counts); err != nil {
		return CascadeCounts{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CascadeCounts{}, fmt.Errorf("commit cascade: %w", err)
	}
	return counts, nil
}

func runCascade(ctx context.Context, tx pgx.Tx, steps []cascadeStep, id uuid.UUID) error {
	for _, step := range steps {
		tag, err := tx.Exec(ctx, step.query, id)
		if err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
		*step.count += tag.RowsAffected()
	}
	return nil
}

func tombstoneChunks(ctx context.Context, tx pgx.Tx, c *CascadeCounts, query string, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("write vector tombstones: %w", err)
	}
	c.Tombstones += tag.RowsAffected()
	return nil
}

// ListVectorTombstones returns up to limit tombstones, oldest first.
func (s *PostgresStore) ListVectorTombstones(ctx context.Context, limit int) ([]VectorTombstone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kb_id, chunk_id FROM vector_tombstones ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list vector tombstones: %w", err)
	}
	defer rows.Close()

	var out []VectorTombstone
	for rows.Next() {
		var t VectorTombstone
		if err := rows.Scan(&t.ID, &t.KBID, &t.ChunkID); err != nil {
			return nil, fmt.Errorf("scan vector tombstone: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteVectorTombstones removes tombstones that were applied to the index.
func (s *PostgresStore) DeleteVectorTombstones(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM vector_tombstones WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete vector tombstones: %w", err)
	}
	return nil
}
