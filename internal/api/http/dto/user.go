package dto

import "github.com/shopspring/decimal"

type SetTierRequest struct {
	Tier string `json:"tier" binding:"required,max=64"`
}

type SubscriptionResponse struct {
	UserID       string          `json:"user_id"`
	Tier         string          `json:"tier"`
	DurationDays int             `json:"duration_days"`
	MaxAgents    int             `json:"max_agents"`
	MaxUSD       decimal.Decimal `json:"max_usd"`
	ActiveLeases int             `json:"active_leases"`
}
