package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-lease/internal/agentconfig"
	"github.com/EternisAI/silo-lease/internal/metrics"
	"github.com/EternisAI/silo-lease/internal/store"
)

const (
	CascadeRevoke  = "revoke"
	CascadeRebuild = "rebuild"
)

type CascadeFailure struct {
	LeaseID string
	AgentID string
	Err     error
}

// CascadeReport summarizes the propagation of one key change.
type CascadeReport struct {
	KeyID    string
	Action   string
	Leases   int
	Applied  int
	Failures []CascadeFailure
}

// Err joins every per-lease failure, nil when all succeeded.
func (r *CascadeReport) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("lease %s (agent %s): %w", f.LeaseID, f.AgentID, f.Err))
	}
	return errors.Join(errs...)
}

func (r *CascadeReport) fail(lease store.Lease, err error) {
	r.Failures = append(r.Failures, CascadeFailure{LeaseID: lease.ID, AgentID: lease.AgentID, Err: err})
	metrics.CascadeFailures.WithLabelValues(r.Action).Inc()
	slog.Error("Cascade failed for lease",
		"action", r.Action,
		"key_id", r.KeyID,
		"lease_id", lease.ID,
		"agent_id", lease.AgentID,
		"error", err)
}

// OnKeyDisabled revokes every active lease on the key and strips the
// provider configuration and lease metadata from each dependent agent. Leases
// are processed independently; failures are collected in the report.
func (s *Service) OnKeyDisabled(ctx context.Context, keyID string) (*CascadeReport, error) {
	key, err := s.getKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	active, err := s.store.ListActiveLeasesByKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active leases: %w", err)
	}

	report := &CascadeReport{KeyID: keyID, Action: CascadeRevoke, Leases: len(active)}
	for i := range active {
		lease := active[i]
		if _, err := s.revokeAndDetach(ctx, &lease, key.Provider, "key_disabled"); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Already expired or revoked concurrently.
				continue
			}
			report.fail(lease, err)
			continue
		}
		report.Applied++
	}

	slog.Info("Key disable cascade finished",
		"key_id", keyID,
		"leases", report.Leases,
		"revoked", report.Applied,
		"failed", len(report.Failures))
	return report, nil
}

// OnKeyConfigChanged rebuilds the agent configuration of every active lease
// on the key from the key's current config. Agent metadata is left as is.
func (s *Service) OnKeyConfigChanged(ctx context.Context, keyID string) (*CascadeReport, error) {
	key, err := s.getKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	active, err := s.store.ListActiveLeasesByKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active leases: %w", err)
	}

	builderKey := agentconfig.KeyFromConfig(
		key.Provider,
		s.codec.Decrypt(key.EncryptedKey),
		s.codec.DecryptConfig(key.Config),
	)

	report := &CascadeReport{KeyID: keyID, Action: CascadeRebuild, Leases: len(active)}
	for i := range active {
		lease := active[i]
		err := s.store.InTx(ctx, func(q store.Querier) error {
			agent, err := q.GetAgentDesiredState(ctx, lease.AgentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("failed to get agent: %w", err)
			}
			if agent.LeaseID() != lease.ID {
				return nil
			}

			framework, _ := agent.Metadata[store.MetadataFramework].(string)
			built := agentconfig.Build(builderKey, framework, s.codec.DecryptConfig(agent.Config))
			encrypted, err := s.codec.EncryptConfig(built)
			if err != nil {
				return fmt.Errorf("failed to encrypt agent config: %w", err)
			}
			if err := q.UpdateAgentDesiredState(ctx, agent.AgentID, encrypted, agent.Metadata, s.now()); err != nil {
				return fmt.Errorf("failed to update agent: %w", err)
			}
			return nil
		})
		if err != nil {
			report.fail(lease, err)
			continue
		}
		report.Applied++
	}

	slog.Info("Key config cascade finished",
		"key_id", keyID,
		"leases", report.Leases,
		"rebuilt", report.Applied,
		"failed", len(report.Failures))
	return report, nil
}

func (s *Service) getKey(ctx context.Context, keyID string) (*store.ManagedKey, error) {
	key, err := s.store.GetManagedKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get managed key: %w", err)
	}
	return key, nil
}
