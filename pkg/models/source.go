package models

import (
	"time"

	"github.com/google/uuid"
)

// Crawl types describe how a source's seed URLs expand into candidate pages.
const (
	CrawlTypeSingle  = "single"
	CrawlTypeList    = "list"
	CrawlTypeSitemap = "sitemap"
	CrawlTypeDomain  = "domain"
)

// Source is an external content location attached to a knowledge base.
// Each ingestion attempt of a source is tracked as a SourceRun.
type Source struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	TenantID      uuid.UUID `db:"tenant_id"      json:"tenant_id"`
	KBID          uuid.UUID `db:"kb_id"          json:"kb_id"`
	Name          string    `db:"name"           json:"name"`
	CrawlType     string    `db:"crawl_type"     json:"crawl_type"`
	SeedURLs      []string  `db:"seed_urls"      json:"seed_urls"`
	EnrichEnabled bool      `db:"enrich_enabled" json:"enrich_enabled"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}
