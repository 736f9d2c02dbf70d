package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateKeyRequest struct {
	Provider        string              `json:"provider" binding:"required,max=64"`
	Label           string              `json:"label" binding:"max=255"`
	Secret          string              `json:"secret" binding:"required"`
	Config          map[string]any      `json:"config"`
	DailyLimitUSD   decimal.NullDecimal `json:"daily_limit_usd"`
	MonthlyLimitUSD decimal.NullDecimal `json:"monthly_limit_usd"`
}

// UpdateKeyRequest patches a key. A null value inside config removes that
// field from the stored config.
type UpdateKeyRequest struct {
	Label  *string        `json:"label" binding:"omitempty,max=255"`
	Active *bool          `json:"active"`
	Config map[string]any `json:"config"`
}

type KeyResponse struct {
	ID              string              `json:"id"`
	Provider        string              `json:"provider"`
	Label           string              `json:"label"`
	Active          bool                `json:"active"`
	Config          map[string]any      `json:"config"`
	DailyLimitUSD   decimal.NullDecimal `json:"daily_limit_usd"`
	MonthlyLimitUSD decimal.NullDecimal `json:"monthly_limit_usd"`
	ActiveLeases    int                 `json:"active_leases"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type KeysResponse struct {
	Keys  []KeyResponse `json:"keys"`
	Count int           `json:"count"`
}

type CascadeFailure struct {
	LeaseID string `json:"lease_id"`
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

type CascadeResponse struct {
	Action   string           `json:"action"`
	Leases   int              `json:"leases"`
	Applied  int              `json:"applied"`
	Failures []CascadeFailure `json:"failures,omitempty"`
}

type UpdateKeyResponse struct {
	Error   string           `json:"error,omitempty"`
	Key     KeyResponse      `json:"key"`
	Cascade *CascadeResponse `json:"cascade,omitempty"`
}
