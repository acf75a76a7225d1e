package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a chat persona bound to a knowledge base. Its widget and chat
// endpoints are dependent records removed with it by the hard-delete cascade.
type Agent struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	KBID      uuid.UUID `db:"kb_id"      json:"kb_id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AgentEndpoint is a widget or chat endpoint exposed by an agent.
type AgentEndpoint struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	AgentID   uuid.UUID `db:"agent_id"   json:"agent_id"`
	Kind      string    `db:"kind"       json:"kind"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
