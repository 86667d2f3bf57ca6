package types

import (
	"time"

	"github.com/google/uuid"
)

// TenantTier is the service tier of a tenant.
type TenantTier string

const (
	TenantFree       TenantTier = "FREE"
	TenantStandard   TenantTier = "STANDARD"
	TenantEnterprise TenantTier = "ENTERPRISE"
)

// TenantQuotas bound a tenant's resource consumption.
type TenantQuotas struct {
	MaxConcurrentSessions int   `json:"max_concurrent_sessions"`
	MaxTokensPerDay       int64 `json:"max_tokens_per_day"`
	MaxAgents             int   `json:"max_agents"`
}

// Tenant is the top-level isolation boundary. Created out-of-band; the core
// only reads it and edits quotas.
type Tenant struct {
	ID     uuid.UUID    `json:"id" db:"id"`
	Name   string       `json:"name" db:"name"`
	Quotas TenantQuotas `json:"quotas"`
	Tier   TenantTier   `json:"tier" db:"tier"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Version   int64      `json:"version" db:"version"`
}
