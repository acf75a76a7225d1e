package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PageStatusPending    = "pending"
	PageStatusProcessing = "processing"
	PageStatusIndexed    = "indexed"
	PageStatusFailed     = "failed"
	PageStatusDiscarded  = "discarded"
)

// Page is one candidate URL belonging to a source run. Rows are created in
// bulk at discovery in status pending; fetching moves them to processing and
// resolution to one of the terminal statuses. Content is held only until
// chunking; enrichment metadata is attached by the optional enrich stage.
type Page struct {
	ID           uuid.UUID         `db:"id"         json:"id"`
	RunID        uuid.UUID         `db:"run_id"     json:"run_id"`
	SourceID     uuid.UUID         `db:"source_id"  json:"source_id"`
	KBID         uuid.UUID         `db:"kb_id"      json:"kb_id"`
	TenantID     uuid.UUID         `db:"tenant_id"  json:"tenant_id"`
	URL          string            `db:"url"        json:"url"`
	Status       string            `db:"status"     json:"status"`
	Content      string            `db:"content"    json:"-"`
	Metadata     map[string]string `db:"metadata"   json:"metadata,omitempty"`
	ErrorMessage *string           `db:"error"      json:"error,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// Resolved reports whether the page reached a terminal status. A resolved
// page has already been counted against its run's fan-in counter.
func (p *Page) Resolved() bool {
	switch p.Status {
	case PageStatusIndexed, PageStatusFailed, PageStatusDiscarded:
		return true
	}
	return false
}
