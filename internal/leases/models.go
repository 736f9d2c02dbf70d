package leases

import (
	"time"

	"github.com/EternisAI/silo-lease/internal/store"
)

type Request struct {
	UserID    string
	Provider  string
	AgentID   string
	Framework string
}

type Grant struct {
	LeaseID      string
	ExpiresAt    time.Time
	Provider     string
	Model        string
	Tier         string
	DurationDays int
}

// LeaseView is a lease joined with its key. KeyConfig has secrets redacted.
type LeaseView struct {
	store.Lease
	Provider  string
	KeyLabel  string
	KeyConfig map[string]any
}
