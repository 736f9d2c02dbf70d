package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/store"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = errors.New("invalid agent ID")
	ErrAgentExists    = errors.New("agent already exists")
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// reservedMetadata is owned by the lease subsystem and cannot be set by
// tenants at registration.
var reservedMetadata = []string{
	store.MetadataLeaseID,
	store.MetadataLeaseExpiresAt,
	store.MetadataManagedKeyProvider,
	store.MetadataFramework,
}

type Service struct {
	store store.Store
	codec *credential.Codec
	now   func() time.Time
}

func NewService(st store.Store, codec *credential.Codec) *Service {
	return &Service{
		store: st,
		codec: codec,
		now:   time.Now,
	}
}

// Register creates the desired-state row for a new agent owned by userID.
// Sensitive config fields are encrypted before they are stored.
func (s *Service) Register(ctx context.Context, userID string, params RegisterParams) (*Agent, error) {
	if params.AgentID != "" && !agentIDPattern.MatchString(params.AgentID) {
		return nil, ErrInvalidAgentID
	}

	config, err := s.codec.EncryptConfig(params.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt agent config: %w", err)
	}

	metadata := make(map[string]any, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	for _, k := range reservedMetadata {
		delete(metadata, k)
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	desired := &store.AgentDesiredState{
		AgentID:   params.AgentID,
		UserID:    userID,
		Enabled:   enabled,
		Config:    config,
		Metadata:  metadata,
		UpdatedAt: s.now(),
	}
	if err := s.store.CreateAgent(ctx, desired); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAgentExists
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	slog.Info("Agent registered", "agent_id", desired.AgentID, "user_id", userID)
	return toAgent(desired, nil), nil
}

// GetAgent returns one of userID's agents. Agents of other users are reported
// as not found.
func (s *Service) GetAgent(ctx context.Context, userID, agentID string) (*Agent, error) {
	desired, err := s.store.GetAgentDesiredState(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if desired.UserID != userID {
		return nil, ErrAgentNotFound
	}

	actual, err := s.actual(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return toAgent(desired, actual), nil
}

// ListAgentsByUser retrieves all agents for a user
func (s *Service) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.store.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	result := make([]Agent, len(rows))
	for i := range rows {
		actual, err := s.actual(ctx, rows[i].AgentID)
		if err != nil {
			return nil, err
		}
		result[i] = *toAgent(&rows[i], actual)
	}
	return result, nil
}

func (s *Service) actual(ctx context.Context, agentID string) (*store.AgentActualState, error) {
	actual, err := s.store.GetAgentActualState(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent status: %w", err)
	}
	return actual, nil
}

func toAgent(desired *store.AgentDesiredState, actual *store.AgentActualState) *Agent {
	a := &Agent{
		ID:        desired.AgentID,
		UserID:    desired.UserID,
		Enabled:   desired.Enabled,
		Config:    credential.RedactConfig(desired.Config),
		Metadata:  desired.Metadata,
		LeaseID:   desired.LeaseID(),
		UpdatedAt: desired.UpdatedAt,
	}
	if actual != nil {
		a.Status = actual.Status
		a.StatusMessage = actual.StatusMessage
	}
	return a
}
