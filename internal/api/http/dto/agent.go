package dto

import "time"

type RegisterAgentRequest struct {
	AgentID  string         `json:"agent_id" binding:"omitempty,max=64"`
	Enabled  *bool          `json:"enabled"`
	Config   map[string]any `json:"config"`
	Metadata map[string]any `json:"metadata"`
}

type AgentResponse struct {
	ID            string         `json:"id"`
	Enabled       bool           `json:"enabled"`
	Config        map[string]any `json:"config"`
	Metadata      map[string]any `json:"metadata"`
	LeaseID       string         `json:"lease_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusMessage string         `json:"status_message,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type AgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}
