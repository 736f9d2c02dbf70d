package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type LeaseStatus string

const (
	LeaseStatusActive  LeaseStatus = "active"
	LeaseStatusExpired LeaseStatus = "expired"
	LeaseStatusRevoked LeaseStatus = "revoked"
)

// Agent metadata keys maintained by the lease subsystem.
const (
	MetadataLeaseID            = "lease_id"
	MetadataLeaseExpiresAt     = "lease_expires_at"
	MetadataManagedKeyProvider = "managed_key_provider"
	// MetadataFramework records the framework the config was built for so the
	// cascade can strip the matching shape.
	MetadataFramework = "framework"
)

const (
	AgentStatusError = "error"
	// AgentStatusPending is recorded when an agent is re-enabled and the
	// runtime has not reported since.
	AgentStatusPending = "pending"
)

type ManagedKey struct {
	ID           string              `db:"id"`
	Provider     string              `db:"provider"`
	Label        string              `db:"label"`
	EncryptedKey string              `db:"encrypted_key"`
	Active       bool                `db:"active"`
	Config       map[string]any      `db:"config"`
	DailyLimit   decimal.NullDecimal `db:"daily_limit_usd"`
	MonthlyLimit decimal.NullDecimal `db:"monthly_limit_usd"`
	CreatedAt    time.Time           `db:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

type Lease struct {
	ID            string          `db:"id"`
	ManagedKeyID  string          `db:"managed_key_id"`
	UserID        string          `db:"user_id"`
	AgentID       string          `db:"agent_id"`
	Status        LeaseStatus     `db:"status"`
	GrantedAt     time.Time       `db:"granted_at"`
	ExpiresAt     time.Time       `db:"expires_at"`
	RevokedAt     *time.Time      `db:"revoked_at"`
	UsageUSD      decimal.Decimal `db:"usage_usd"`
	LastUsedAt    *time.Time      `db:"last_used_at"`
	TierMaxAgents int             `db:"tier_max_agents"`
}

// LeaseWithKey is a lease joined with the provider, label and config of its key.
type LeaseWithKey struct {
	Lease
	KeyProvider string         `db:"key_provider"`
	KeyLabel    string         `db:"key_label"`
	KeyConfig   map[string]any `db:"key_config"`
}

// AgentDesiredState is the declarative agent configuration the lease
// subsystem writes into. Config holds encrypted sensitive leaves.
type AgentDesiredState struct {
	AgentID   string         `db:"agent_id"`
	UserID    string         `db:"user_id"`
	Enabled   bool           `db:"enabled"`
	Config    map[string]any `db:"config"`
	Metadata  map[string]any `db:"metadata"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// LeaseID returns the lease id recorded in the agent's metadata, if any.
func (a *AgentDesiredState) LeaseID() string {
	id, _ := a.Metadata[MetadataLeaseID].(string)
	return id
}

type AgentActualState struct {
	AgentID       string    `db:"agent_id"`
	Status        string    `db:"status"`
	StatusMessage string    `db:"status_message"`
	UpdatedAt     time.Time `db:"updated_at"`
}
