package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestLeaseRequest struct {
	Provider  string `json:"provider" binding:"required,max=64"`
	AgentID   string `json:"agent_id" binding:"required,max=128"`
	Framework string `json:"framework" binding:"max=64"`
}

type LeaseGrantResponse struct {
	LeaseID      string    `json:"lease_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Tier         string    `json:"tier"`
	DurationDays int       `json:"duration_days"`
}

type LeaseResponse struct {
	ID            string          `json:"id"`
	ManagedKeyID  string          `json:"managed_key_id"`
	UserID        string          `json:"user_id"`
	AgentID       string          `json:"agent_id"`
	Status        string          `json:"status"`
	GrantedAt     time.Time       `json:"granted_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	RevokedAt     *time.Time      `json:"revoked_at,omitempty"`
	UsageUSD      decimal.Decimal `json:"usage_usd"`
	LastUsedAt    *time.Time      `json:"last_used_at,omitempty"`
	TierMaxAgents int             `json:"tier_max_agents"`
	Provider      string          `json:"provider"`
	KeyLabel      string          `json:"key_label"`
	KeyConfig     map[string]any  `json:"key_config,omitempty"`
}

type LeasesResponse struct {
	Leases []LeaseResponse `json:"leases"`
	Count  int             `json:"count"`
}

type ExtendLeaseRequest struct {
	AdditionalDays int `json:"additional_days" binding:"required,min=1,max=3650"`
}
