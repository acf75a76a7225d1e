package vector

import (
	"context"

	"github.com/google/uuid"
)

// Store is the interface to an external vector index. The relational
// database stays the source of truth; implementations here only mirror
// chunk vectors for similarity search, so removal can lag behind the
// cascade deletes that tombstone chunk ids.
type Store interface {
	// IsConfigured reports whether an external index is wired up at all.
	IsConfigured() bool
	Initialize(ctx context.Context) error
	RemoveChunks(ctx context.Context, kbID uuid.UUID, chunkIDs []uuid.UUID) error
}

// Noop is the default when no external vector index is configured. Queries
// then run against the embeddings stored in Postgres.
type Noop struct{}

func (Noop) IsConfigured() bool                                          { return false }
func (Noop) Initialize(context.Context) error                            { return nil }
func (Noop) RemoveChunks(context.Context, uuid.UUID, []uuid.UUID) error  { return nil }

var _ Store = Noop{}
