package models

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses. partial, succeeded, failed and canceled are terminal;
// a run never leaves a terminal status.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusPartial   = "partial"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

const (
	RunTriggerManual    = "manual"
	RunTriggerScheduled = "scheduled"
)

// SourceRun is one attempt to ingest a source. Discovery fans out one page
// job per candidate URL; PagesOutstanding is the durable fan-in counter that
// reaches zero when every page has resolved.
type SourceRun struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	SourceID         uuid.UUID  `db:"source_id"         json:"source_id"`
	TenantID         uuid.UUID  `db:"tenant_id"         json:"tenant_id"`
	Status           string     `db:"status"            json:"status"`
	Trigger          string     `db:"trigger"           json:"trigger"`
	PagesSeen        int        `db:"pages_seen"        json:"pages_seen"`
	PagesIndexed     int        `db:"pages_indexed"     json:"pages_indexed"`
	PagesFailed      int        `db:"pages_failed"      json:"pages_failed"`
	TokensEstimated  int64      `db:"tokens_estimated"  json:"tokens_estimated"`
	PagesOutstanding int        `db:"pages_outstanding" json:"pages_outstanding"`
	CancelRequested  bool       `db:"cancel_requested"  json:"cancel_requested"`
	ErrorMessage     *string    `db:"error"             json:"error,omitempty"`
	StartedAt        *time.Time `db:"started_at"        json:"started_at,omitempty"`
	FinishedAt       *time.Time `db:"finished_at"       json:"finished_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"        json:"updated_at"`
}

// Terminal reports whether the run has reached a final status.
func (r *SourceRun) Terminal() bool {
	switch r.Status {
	case RunStatusPartial, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}
