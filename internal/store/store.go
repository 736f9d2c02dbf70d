// Package store defines the persistence contract for managed keys, leases and
// the agent desired state they are written into.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row in the
	// expected state.
	ErrConflict = errors.New("record not in expected state")
)

// KeyPatch lists the columns UpdateManagedKey writes. Nil fields are left as is.
type KeyPatch struct {
	Label  *string
	Active *bool
	Config map[string]any
}

// Querier is the set of operations available inside and outside a transaction.
type Querier interface {
	// Managed keys
	CreateManagedKey(ctx context.Context, key *ManagedKey) error
	GetManagedKey(ctx context.Context, id string) (*ManagedKey, error)
	ListManagedKeys(ctx context.Context) ([]ManagedKey, error)
	// ListActiveKeysByProvider orders keys by created_at then id.
	ListActiveKeysByProvider(ctx context.Context, provider string) ([]ManagedKey, error)
	UpdateManagedKey(ctx context.Context, id string, patch KeyPatch, now time.Time) (*ManagedKey, error)

	// Leases
	CreateLease(ctx context.Context, lease *Lease) error
	GetLease(ctx context.Context, id string) (*Lease, error)
	ListLeasesByUser(ctx context.Context, userID string) ([]LeaseWithKey, error)
	ListLeasesByKey(ctx context.Context, keyID string) ([]LeaseWithKey, error)
	ListActiveLeasesByKey(ctx context.Context, keyID string) ([]Lease, error)
	CountActiveLeasesByKey(ctx context.Context, keyID string) (int, error)
	CountActiveLeasesByUser(ctx context.Context, userID string) (int, error)
	// RevokeLease transitions an active lease to revoked, ErrConflict otherwise.
	RevokeLease(ctx context.Context, id string, at time.Time) (*Lease, error)
	// ExtendLease sets expires_at and reactivates an expired lease. Revoked
	// leases yield ErrConflict.
	ExtendLease(ctx context.Context, id string, expiresAt time.Time) (*Lease, error)
	// ExpireLeases transitions every active lease with expires_at < now.
	ExpireLeases(ctx context.Context, now time.Time) ([]Lease, error)

	// Agents
	CreateAgent(ctx context.Context, agent *AgentDesiredState) error
	GetAgentDesiredState(ctx context.Context, agentID string) (*AgentDesiredState, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]AgentDesiredState, error)
	UpdateAgentDesiredState(ctx context.Context, agentID string, config, metadata map[string]any, now time.Time) error
	// ListAgentsWithExpiredLease returns enabled agents whose metadata lease_id
	// references an expired lease.
	ListAgentsWithExpiredLease(ctx context.Context) ([]AgentDesiredState, error)
	// DisableAgent sets enabled=false; it reports whether the row changed.
	DisableAgent(ctx context.Context, agentID string, now time.Time) (bool, error)
	// EnableAgent sets enabled=true; it reports whether the row changed.
	EnableAgent(ctx context.Context, agentID string, now time.Time) (bool, error)
	SetAgentActualStatus(ctx context.Context, agentID, status, message string, now time.Time) error
	GetAgentActualState(ctx context.Context, agentID string) (*AgentActualState, error)

	// Users
	// GetUserTier returns "" when the user has no tier on record.
	GetUserTier(ctx context.Context, userID string) (string, error)
	SetUserTier(ctx context.Context, userID, tier string, now time.Time) error
	// LockUser serializes lease grants for one user until the enclosing
	// transaction ends.
	LockUser(ctx context.Context, userID string) error
}

// Store is a Querier that can also run a function atomically.
type Store interface {
	Querier
	// InTx runs fn in a transaction; any error rolls back every write fn made.
	InTx(ctx context.Context, fn func(q Querier) error) error
}
