package agents

import (
	"time"
)

// Agent is a tenant's view of one agent: desired state joined with the last
// observed status.
type Agent struct {
	ID            string
	UserID        string
	Enabled       bool
	Config        map[string]any
	Metadata      map[string]any
	LeaseID       string
	Status        string
	StatusMessage string
	UpdatedAt     time.Time
}

type RegisterParams struct {
	AgentID  string
	Enabled  *bool
	Config   map[string]any
	Metadata map[string]any
}
