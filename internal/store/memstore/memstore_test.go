package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetManagedKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := &store.ManagedKey{Provider: "openai", Label: "primary", EncryptedKey: "enc", Active: true}
	require.NoError(t, s.CreateManagedKey(ctx, key))
	assert.NotEmpty(t, key.ID)
	assert.False(t, key.CreatedAt.IsZero())

	got, err := s.GetManagedKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Label)
	assert.NotNil(t, got.Config)

	_, err = s.GetManagedKey(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := &store.ManagedKey{Provider: "openai", Active: true, Config: map[string]any{"default_model": "gpt-4o"}}
	require.NoError(t, s.CreateManagedKey(ctx, key))

	key.Config["default_model"] = "mutated"
	got, err := s.GetManagedKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Config["default_model"])

	got.Config["default_model"] = "mutated again"
	again, err := s.GetManagedKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", again.Config["default_model"])
}

func TestListActiveKeysByProviderOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "b", Provider: "openai", Active: true, CreatedAt: base}))
	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "a", Provider: "openai", Active: true, CreatedAt: base}))
	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "c", Provider: "openai", Active: true, CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "d", Provider: "openai", Active: false, CreatedAt: base}))
	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "e", Provider: "anthropic", Active: true, CreatedAt: base}))

	keys, err := s.ListActiveKeysByProvider(ctx, "openai")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "c", keys[0].ID)
	assert.Equal(t, "a", keys[1].ID)
	assert.Equal(t, "b", keys[2].ID)
}

func TestUpdateManagedKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateManagedKey(ctx, &store.ManagedKey{ID: "k", Provider: "openai", Label: "old", Active: true}))

	label := "new"
	inactive := false
	now := time.Now()
	k, err := s.UpdateManagedKey(ctx, "k", store.KeyPatch{Label: &label, Active: &inactive}, now)
	require.NoError(t, err)
	assert.Equal(t, "new", k.Label)
	assert.False(t, k.Active)
	assert.Equal(t, now, k.UpdatedAt)

	_, err = s.UpdateManagedKey(ctx, "missing", store.KeyPatch{}, now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeaseTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	lease := &store.Lease{ManagedKeyID: "k", UserID: "u", AgentID: "a", GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateLease(ctx, lease))
	assert.Equal(t, store.LeaseStatusActive, lease.Status)

	revoked, err := s.RevokeLease(ctx, lease.ID, now)
	require.NoError(t, err)
	assert.Equal(t, store.LeaseStatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	_, err = s.RevokeLease(ctx, lease.ID, now)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ExtendLease(ctx, lease.ID, now.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.RevokeLease(ctx, "missing", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireLeases(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	overdue := &store.Lease{ManagedKeyID: "k", UserID: "u", AgentID: "a1", GrantedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Minute)}
	current := &store.Lease{ManagedKeyID: "k", UserID: "u", AgentID: "a2", GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateLease(ctx, overdue))
	require.NoError(t, s.CreateLease(ctx, current))

	expired, err := s.ExpireLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
	assert.Equal(t, store.LeaseStatusExpired, expired[0].Status)

	again, err := s.ExpireLeases(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := s.CountActiveLeasesByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	extended, err := s.ExtendLease(ctx, overdue.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, store.LeaseStatusActive, extended.Status)
}

func TestListAgentsWithExpiredLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	lease := &store.Lease{ID: "l1", ManagedKeyID: "k", UserID: "u", AgentID: "a1", GrantedAt: now, ExpiresAt: now.Add(-time.Second)}
	require.NoError(t, s.CreateLease(ctx, lease))
	s.PutAgent(store.AgentDesiredState{AgentID: "a1", UserID: "u", Enabled: true, Metadata: map[string]any{"lease_id": "l1"}})
	s.PutAgent(store.AgentDesiredState{AgentID: "a2", UserID: "u", Enabled: true})

	agents, err := s.ListAgentsWithExpiredLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	_, err = s.ExpireLeases(ctx, now)
	require.NoError(t, err)

	agents, err = s.ListAgentsWithExpiredLease(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].AgentID)

	changed, err := s.DisableAgent(ctx, "a1", now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.DisableAgent(ctx, "a1", now)
	require.NoError(t, err)
	assert.False(t, changed)

	agents, err = s.ListAgentsWithExpiredLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	changed, err = s.EnableAgent(ctx, "a1", now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.EnableAgent(ctx, "a1", now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.EnableAgent(ctx, "missing", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgents(t *testing.T) {
	s := New()
	ctx := context.Background()

	agent := &store.AgentDesiredState{UserID: "u1", Enabled: true, Config: map[string]any{"theme": "dark"}}
	require.NoError(t, s.CreateAgent(ctx, agent))
	assert.NotEmpty(t, agent.AgentID)

	err := s.CreateAgent(ctx, &store.AgentDesiredState{AgentID: agent.AgentID, UserID: "u2"})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.CreateAgent(ctx, &store.AgentDesiredState{AgentID: "other", UserID: "u2"}))

	mine, err := s.ListAgentsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "dark", mine[0].Config["theme"])
	assert.NotNil(t, mine[0].Metadata)

	_, err = s.GetAgentActualState(ctx, agent.AgentID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now()
	require.NoError(t, s.SetAgentActualStatus(ctx, agent.AgentID, store.AgentStatusError, "expired", now))
	actual, err := s.GetAgentActualState(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusError, actual.Status)
	assert.Equal(t, "expired", actual.StatusMessage)
}

func TestInTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutAgent(store.AgentDesiredState{AgentID: "a1", UserID: "u", Enabled: true, Config: map[string]any{"name": "agent"}})

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q store.Querier) error {
		require.NoError(t, q.CreateLease(ctx, &store.Lease{ID: "l1", UserID: "u", AgentID: "a1"}))
		require.NoError(t, q.UpdateAgentDesiredState(ctx, "a1", map[string]any{"apiKey": "x"}, map[string]any{"lease_id": "l1"}, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetLease(ctx, "l1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	agent, err := s.GetAgentDesiredState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "agent"}, agent.Config)
	assert.Empty(t, agent.Metadata)
}

func TestInTxCommits(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.InTx(ctx, func(q store.Querier) error {
		return q.CreateLease(ctx, &store.Lease{ID: "l1", UserID: "u", AgentID: "a1"})
	})
	require.NoError(t, err)

	n, err := s.CountActiveLeasesByUser(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUserTier(t *testing.T) {
	s := New()
	ctx := context.Background()

	tier, err := s.GetUserTier(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, tier)

	require.NoError(t, s.SetUserTier(ctx, "u", "pro", time.Now()))
	tier, err = s.GetUserTier(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(q store.Querier) error {
				return q.CreateLease(ctx, &store.Lease{UserID: "u", AgentID: "a", ExpiresAt: time.Now().Add(time.Hour)})
			})
			_, _ = s.CountActiveLeasesByUser(ctx, "u")
			_, _ = s.ListLeasesByUser(ctx, "u")
		}()
	}
	wg.Wait()

	n, err := s.CountActiveLeasesByUser(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
