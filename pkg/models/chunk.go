package models

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is one embeddable slice of a page. Embedding/EmbeddingModel are the
// active vectors served at query time; the shadow columns hold re-embedding
// output until a reindex swap promotes them.
type Chunk struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	PageID          uuid.UUID `db:"page_id"          json:"page_id"`
	KBID            uuid.UUID `db:"kb_id"            json:"kb_id"`
	TenantID        uuid.UUID `db:"tenant_id"        json:"tenant_id"`
	Seq             int       `db:"seq"              json:"seq"`
	Content         string    `db:"content"          json:"content"`
	TokenCount      int       `db:"token_count"      json:"token_count"`
	Embedding       []float32 `db:"embedding"        json:"-"`
	EmbeddingModel  *string   `db:"embedding_model"  json:"embedding_model,omitempty"`
	ShadowEmbedding []float32 `db:"shadow_embedding" json:"-"`
	ShadowModel     *string   `db:"shadow_model"     json:"shadow_model,omitempty"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}
