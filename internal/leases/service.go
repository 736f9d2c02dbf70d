package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-lease/internal/agentconfig"
	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/metrics"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/EternisAI/silo-lease/internal/usage"
)

type Service struct {
	store store.Store
	codec *credential.Codec
	tiers *tiers.Resolver
	now   func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now for grant, expiry and revocation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, codec *credential.Codec, resolver *tiers.Resolver, opts ...Option) *Service {
	s := &Service{
		store: st,
		codec: codec,
		tiers: resolver,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListUserLeases returns the user's leases, newest first.
func (s *Service) ListUserLeases(ctx context.Context, userID string) ([]LeaseView, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	rows, err := s.store.ListLeasesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	return toViews(rows), nil
}

// ListLeasesForKey returns every lease ever granted on a key, newest first.
func (s *Service) ListLeasesForKey(ctx context.Context, keyID string) ([]LeaseView, error) {
	if _, err := s.store.GetManagedKey(ctx, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get managed key: %w", err)
	}

	rows, err := s.store.ListLeasesByKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	return toViews(rows), nil
}

// RevokeLease revokes one active lease and detaches it from its agent.
func (s *Service) RevokeLease(ctx context.Context, leaseID string) (*LeaseView, error) {
	lease, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLeaseNotActive
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if lease.Status != store.LeaseStatusActive {
		return nil, ErrLeaseNotActive
	}

	key, err := s.store.GetManagedKey(ctx, lease.ManagedKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed key: %w", err)
	}

	revoked, err := s.revokeAndDetach(ctx, lease, key.Provider, "admin")
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrLeaseNotActive
		}
		return nil, err
	}

	slog.Info("Lease revoked", "lease_id", leaseID, "agent_id", lease.AgentID, "key_id", key.ID)
	return s.view(revoked, key), nil
}

// ExtendLease pushes expires_at forward by additionalDays, counted from the
// current expiry. A revoked lease cannot be extended. An expired lease becomes
// active again only while its agent still references it and the user's tier
// has room; the agent is then re-enabled if the reclaimer had disabled it.
func (s *Service) ExtendLease(ctx context.Context, leaseID string, additionalDays int) (*LeaseView, error) {
	if additionalDays < 1 {
		return nil, fmt.Errorf("%w: additional_days must be >= 1", ErrInvalidInput)
	}

	current, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLeaseNotActive
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	tier, err := s.tiers.Resolve(ctx, current.UserID)
	if err != nil {
		return nil, err
	}

	var extended *store.Lease
	err = s.store.InTx(ctx, func(q store.Querier) error {
		if err := q.LockUser(ctx, current.UserID); err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		lease, err := q.GetLease(ctx, leaseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrLeaseNotActive
			}
			return fmt.Errorf("failed to get lease: %w", err)
		}
		if lease.Status == store.LeaseStatusRevoked {
			return ErrLeaseNotActive
		}

		agent, err := q.GetAgentDesiredState(ctx, lease.AgentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to get agent: %w", err)
		}
		attached := err == nil && agent.LeaseID() == leaseID

		reactivating := lease.Status == store.LeaseStatusExpired
		if reactivating {
			if !attached {
				return fmt.Errorf("%w: agent %s no longer references lease %s", ErrLeaseNotActive, lease.AgentID, leaseID)
			}
			active, err := usage.NewTracker(q).ActiveLeasesForUser(ctx, lease.UserID)
			if err != nil {
				return err
			}
			if active >= tier.MaxAgents {
				return &QuotaExceededError{Tier: tier.Name, Limit: tier.MaxAgents, Active: active}
			}
		}

		expiresAt := lease.ExpiresAt.AddDate(0, 0, additionalDays)
		extended, err = q.ExtendLease(ctx, leaseID, expiresAt)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrLeaseNotActive
			}
			return fmt.Errorf("failed to extend lease: %w", err)
		}
		if !attached {
			return nil
		}

		now := s.now()
		if agent.Metadata == nil {
			agent.Metadata = map[string]any{}
		}
		agent.Metadata[store.MetadataLeaseExpiresAt] = expiresAt.UTC().Format(time.RFC3339)
		if err := q.UpdateAgentDesiredState(ctx, agent.AgentID, agent.Config, agent.Metadata, now); err != nil {
			return fmt.Errorf("failed to update agent metadata: %w", err)
		}
		if reactivating && !agent.Enabled {
			return reenableAgent(ctx, q, agent.AgentID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key, err := s.store.GetManagedKey(ctx, extended.ManagedKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed key: %w", err)
	}

	slog.Info("Lease extended",
		"lease_id", leaseID,
		"additional_days", additionalDays,
		"expires_at", extended.ExpiresAt)
	return s.view(extended, key), nil
}

// reenableAgent turns an agent disabled by lease expiry back on and replaces
// its expiry error with a pending status until the runtime reports again.
func reenableAgent(ctx context.Context, q store.Querier, agentID string, now time.Time) error {
	changed, err := q.EnableAgent(ctx, agentID, now)
	if err != nil {
		return fmt.Errorf("failed to enable agent: %w", err)
	}
	if !changed {
		return nil
	}
	if err := q.SetAgentActualStatus(ctx, agentID, store.AgentStatusPending, "", now); err != nil {
		return fmt.Errorf("failed to reset agent status: %w", err)
	}
	slog.Info("Agent re-enabled", "agent_id", agentID)
	return nil
}

// revokeAndDetach revokes lease and strips the provider configuration and
// lease metadata from its agent in one transaction.
func (s *Service) revokeAndDetach(ctx context.Context, lease *store.Lease, provider, cause string) (*store.Lease, error) {
	now := s.now()

	var revoked *store.Lease
	err := s.store.InTx(ctx, func(q store.Querier) error {
		var err error
		revoked, err = q.RevokeLease(ctx, lease.ID, now)
		if err != nil {
			return fmt.Errorf("failed to revoke lease: %w", err)
		}
		return s.detachAgent(ctx, q, lease, provider, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.LeasesRevoked.WithLabelValues(cause).Inc()
	return revoked, nil
}

func (s *Service) detachAgent(ctx context.Context, q store.Querier, lease *store.Lease, provider string, now time.Time) error {
	agent, err := q.GetAgentDesiredState(ctx, lease.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get agent: %w", err)
	}
	// The agent has since been attached to another lease.
	if agent.LeaseID() != lease.ID {
		return nil
	}

	framework, _ := agent.Metadata[store.MetadataFramework].(string)
	current := s.codec.DecryptConfig(agent.Config)

	var stripped map[string]any
	if framework != "" {
		stripped = agentconfig.Strip(provider, framework, current)
	} else {
		stripped = agentconfig.StripAll(provider, current)
	}

	encrypted, err := s.codec.EncryptConfig(stripped)
	if err != nil {
		return fmt.Errorf("failed to encrypt agent config: %w", err)
	}

	metadata := agent.Metadata
	delete(metadata, store.MetadataLeaseID)
	delete(metadata, store.MetadataLeaseExpiresAt)
	delete(metadata, store.MetadataManagedKeyProvider)
	delete(metadata, store.MetadataFramework)

	if err := q.UpdateAgentDesiredState(ctx, agent.AgentID, encrypted, metadata, now); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return nil
}

func (s *Service) view(lease *store.Lease, key *store.ManagedKey) *LeaseView {
	return &LeaseView{
		Lease:     *lease,
		Provider:  key.Provider,
		KeyLabel:  key.Label,
		KeyConfig: credential.RedactConfig(key.Config),
	}
}

func toViews(rows []store.LeaseWithKey) []LeaseView {
	out := make([]LeaseView, len(rows))
	for i, row := range rows {
		out[i] = LeaseView{
			Lease:     row.Lease,
			Provider:  row.KeyProvider,
			KeyLabel:  row.KeyLabel,
			KeyConfig: credential.RedactConfig(row.KeyConfig),
		}
	}
	return out
}
