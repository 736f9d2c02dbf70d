package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-lease/internal/agentconfig"
	"github.com/EternisAI/silo-lease/internal/metrics"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/EternisAI/silo-lease/internal/usage"
	"github.com/shopspring/decimal"
)

// RequestLease grants the user a lease on the least-loaded active key for the
// provider and writes the resulting provider configuration into the agent's
// desired state.
//
// The quota check, key selection, lease insert and agent update run in one
// transaction holding a per-user lock: either the lease exists and the agent
// points at it, or neither happened.
func (s *Service) RequestLease(ctx context.Context, req Request) (*Grant, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.Provider == "" || req.AgentID == "" {
		return nil, fmt.Errorf("%w: provider and agent_id are required", ErrInvalidInput)
	}

	tier, err := s.tiers.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	var (
		grant  *Grant
		leased *store.Lease
	)
	err = s.store.InTx(ctx, func(q store.Querier) error {
		if err := q.LockUser(ctx, req.UserID); err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		tracker := usage.NewTracker(q)
		active, err := tracker.ActiveLeasesForUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if active >= tier.MaxAgents {
			return &QuotaExceededError{Tier: tier.Name, Limit: tier.MaxAgents, Active: active}
		}

		agent, err := q.GetAgentDesiredState(ctx, req.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("failed to get agent: %w", err)
		}
		if agent.UserID != req.UserID {
			return ErrAgentNotFound
		}
		// An agent still pointing at an expired lease was disabled by the
		// reclaimer and comes back with the new lease.
		var afterExpiry bool
		if current := agent.LeaseID(); current != "" {
			existing, err := q.GetLease(ctx, current)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to get current lease: %w", err)
			}
			if err == nil && existing.Status == store.LeaseStatusActive {
				return ErrAgentAlreadyLeased
			}
			afterExpiry = err == nil && existing.Status == store.LeaseStatusExpired
		}

		candidates, err := q.ListActiveKeysByProvider(ctx, req.Provider)
		if err != nil {
			return fmt.Errorf("failed to list managed keys: %w", err)
		}
		key, _, err := tracker.LeastLoaded(ctx, candidates)
		if err != nil {
			return err
		}
		if key == nil {
			return &NoKeysAvailableError{Provider: req.Provider}
		}

		now := s.now()
		leased = &store.Lease{
			ManagedKeyID:  key.ID,
			UserID:        req.UserID,
			AgentID:       req.AgentID,
			Status:        store.LeaseStatusActive,
			GrantedAt:     now,
			ExpiresAt:     now.AddDate(0, 0, tier.DurationDays),
			UsageUSD:      decimal.Zero,
			TierMaxAgents: tier.MaxAgents,
		}
		if err := q.CreateLease(ctx, leased); err != nil {
			return fmt.Errorf("failed to create lease: %w", err)
		}

		builderKey := agentconfig.KeyFromConfig(
			key.Provider,
			s.codec.Decrypt(key.EncryptedKey),
			s.codec.DecryptConfig(key.Config),
		)
		built := agentconfig.Build(builderKey, req.Framework, s.codec.DecryptConfig(agent.Config))
		encrypted, err := s.codec.EncryptConfig(built)
		if err != nil {
			return fmt.Errorf("failed to encrypt agent config: %w", err)
		}

		metadata := agent.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[store.MetadataLeaseID] = leased.ID
		metadata[store.MetadataLeaseExpiresAt] = leased.ExpiresAt.UTC().Format(time.RFC3339)
		metadata[store.MetadataManagedKeyProvider] = key.Provider
		metadata[store.MetadataFramework] = req.Framework

		if err := q.UpdateAgentDesiredState(ctx, req.AgentID, encrypted, metadata, now); err != nil {
			return fmt.Errorf("failed to update agent desired state: %w", err)
		}
		if afterExpiry && !agent.Enabled {
			if err := reenableAgent(ctx, q, req.AgentID, now); err != nil {
				return err
			}
		}

		grant = &Grant{
			LeaseID:      leased.ID,
			ExpiresAt:    leased.ExpiresAt,
			Provider:     key.Provider,
			Model:        builderKey.DefaultModel,
			Tier:         tier.Name,
			DurationDays: tier.DurationDays,
		}
		return nil
	})
	if err != nil {
		metrics.LeaseRequestsRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	metrics.LeasesGranted.WithLabelValues(grant.Provider, grant.Tier).Inc()
	slog.Info("Lease granted",
		"lease_id", grant.LeaseID,
		"user_id", req.UserID,
		"agent_id", req.AgentID,
		"key_id", leased.ManagedKeyID,
		"provider", grant.Provider,
		"tier", grant.Tier,
		"expires_at", grant.ExpiresAt)

	return grant, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNoKeysAvailable):
		return "no_keys"
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrAgentAlreadyLeased):
		return "agent_leased"
	default:
		return "error"
	}
}
