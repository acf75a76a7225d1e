package models

import (
	"time"

	"github.com/google/uuid"
)

// Reindex statuses for a knowledge base's model-change workflow.
const (
	ReindexStatusNone       = "none"
	ReindexStatusPending    = "pending"
	ReindexStatusInProgress = "in_progress"
	ReindexStatusSucceeded  = "succeeded"
	ReindexStatusFailed     = "failed"
)

// KnowledgeBase groups ingested content under one active embedding model.
// While a reindex is pending or in progress the base stays queryable against
// ActiveModel; PendingModel only becomes active on the atomic swap.
type KnowledgeBase struct {
	ID                     uuid.UUID `db:"id"                       json:"id"`
	TenantID               uuid.UUID `db:"tenant_id"                json:"tenant_id"`
	Name                   string    `db:"name"                     json:"name"`
	ActiveModel            string    `db:"active_model"             json:"active_model"`
	ReindexStatus          string    `db:"reindex_status"           json:"reindex_status"`
	PendingModel           *string   `db:"pending_model"            json:"pending_model,omitempty"`
	ReindexProgress        int       `db:"reindex_progress"         json:"reindex_progress"`
	ReindexError           *string   `db:"reindex_error"            json:"reindex_error,omitempty"`
	ReindexCancelRequested bool      `db:"reindex_cancel_requested" json:"reindex_cancel_requested"`
	CreatedAt              time.Time `db:"created_at"               json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"               json:"updated_at"`
}
