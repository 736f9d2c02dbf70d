// Package memstore is an in-process store.Store used for local development
// and tests. A single mutex serializes every call, so InTx is trivially
// serializable; a failed transaction restores the snapshot taken before it.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
)

type data struct {
	keys   map[string]*store.ManagedKey
	leases map[string]*store.Lease
	agents map[string]*store.AgentDesiredState
	actual map[string]*store.AgentActualState
	tiers  map[string]string
}

func newData() *data {
	return &data{
		keys:   make(map[string]*store.ManagedKey),
		leases: make(map[string]*store.Lease),
		agents: make(map[string]*store.AgentDesiredState),
		actual: make(map[string]*store.AgentActualState),
		tiers:  make(map[string]string),
	}
}

func (d *data) clone() *data {
	out := newData()
	for id, k := range d.keys {
		out.keys[id] = copyKey(k)
	}
	for id, l := range d.leases {
		out.leases[id] = copyLease(l)
	}
	for id, a := range d.agents {
		out.agents[id] = copyAgent(a)
	}
	for id, a := range d.actual {
		cp := *a
		out.actual[id] = &cp
	}
	for user, tier := range d.tiers {
		out.tiers[user] = tier
	}
	return out
}

type Store struct {
	mu   sync.Mutex
	data *data
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newData()}
}

func (s *Store) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&view{d: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) do(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{d: s.data})
}

// PutAgent inserts or replaces an agent's desired state.
func (s *Store) PutAgent(agent store.AgentDesiredState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.Config == nil {
		agent.Config = map[string]any{}
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	s.data.agents[agent.AgentID] = copyAgent(&agent)
}

func (s *Store) CreateManagedKey(ctx context.Context, key *store.ManagedKey) error {
	return s.do(func(v *view) error { return v.CreateManagedKey(ctx, key) })
}

func (s *Store) GetManagedKey(ctx context.Context, id string) (k *store.ManagedKey, err error) {
	err = s.do(func(v *view) error { k, err = v.GetManagedKey(ctx, id); return err })
	return k, err
}

func (s *Store) ListManagedKeys(ctx context.Context) (keys []store.ManagedKey, err error) {
	err = s.do(func(v *view) error { keys, err = v.ListManagedKeys(ctx); return err })
	return keys, err
}

func (s *Store) ListActiveKeysByProvider(ctx context.Context, provider string) (keys []store.ManagedKey, err error) {
	err = s.do(func(v *view) error { keys, err = v.ListActiveKeysByProvider(ctx, provider); return err })
	return keys, err
}

func (s *Store) UpdateManagedKey(ctx context.Context, id string, patch store.KeyPatch, now time.Time) (k *store.ManagedKey, err error) {
	err = s.do(func(v *view) error { k, err = v.UpdateManagedKey(ctx, id, patch, now); return err })
	return k, err
}

func (s *Store) CreateLease(ctx context.Context, lease *store.Lease) error {
	return s.do(func(v *view) error { return v.CreateLease(ctx, lease) })
}

func (s *Store) GetLease(ctx context.Context, id string) (l *store.Lease, err error) {
	err = s.do(func(v *view) error { l, err = v.GetLease(ctx, id); return err })
	return l, err
}

func (s *Store) ListLeasesByUser(ctx context.Context, userID string) (ls []store.LeaseWithKey, err error) {
	err = s.do(func(v *view) error { ls, err = v.ListLeasesByUser(ctx, userID); return err })
	return ls, err
}

func (s *Store) ListLeasesByKey(ctx context.Context, keyID string) (ls []store.LeaseWithKey, err error) {
	err = s.do(func(v *view) error { ls, err = v.ListLeasesByKey(ctx, keyID); return err })
	return ls, err
}

func (s *Store) ListActiveLeasesByKey(ctx context.Context, keyID string) (ls []store.Lease, err error) {
	err = s.do(func(v *view) error { ls, err = v.ListActiveLeasesByKey(ctx, keyID); return err })
	return ls, err
}

func (s *Store) CountActiveLeasesByKey(ctx context.Context, keyID string) (n int, err error) {
	err = s.do(func(v *view) error { n, err = v.CountActiveLeasesByKey(ctx, keyID); return err })
	return n, err
}

func (s *Store) CountActiveLeasesByUser(ctx context.Context, userID string) (n int, err error) {
	err = s.do(func(v *view) error { n, err = v.CountActiveLeasesByUser(ctx, userID); return err })
	return n, err
}

func (s *Store) RevokeLease(ctx context.Context, id string, at time.Time) (l *store.Lease, err error) {
	err = s.do(func(v *view) error { l, err = v.RevokeLease(ctx, id, at); return err })
	return l, err
}

func (s *Store) ExtendLease(ctx context.Context, id string, expiresAt time.Time) (l *store.Lease, err error) {
	err = s.do(func(v *view) error { l, err = v.ExtendLease(ctx, id, expiresAt); return err })
	return l, err
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (ls []store.Lease, err error) {
	err = s.do(func(v *view) error { ls, err = v.ExpireLeases(ctx, now); return err })
	return ls, err
}

func (s *Store) CreateAgent(ctx context.Context, agent *store.AgentDesiredState) error {
	return s.do(func(v *view) error { return v.CreateAgent(ctx, agent) })
}

func (s *Store) ListAgentsByUser(ctx context.Context, userID string) (as []store.AgentDesiredState, err error) {
	err = s.do(func(v *view) error { as, err = v.ListAgentsByUser(ctx, userID); return err })
	return
}

func (s *Store) GetAgentActualState(ctx context.Context, agentID string) (a *store.AgentActualState, err error) {
	err = s.do(func(v *view) error { a, err = v.GetAgentActualState(ctx, agentID); return err })
	return
}

func (s *Store) SetUserTier(ctx context.Context, userID, tier string, now time.Time) error {
	return s.do(func(v *view) error { return v.SetUserTier(ctx, userID, tier, now) })
}

func (s *Store) GetAgentDesiredState(ctx context.Context, agentID string) (a *store.AgentDesiredState, err error) {
	err = s.do(func(v *view) error { a, err = v.GetAgentDesiredState(ctx, agentID); return err })
	return a, err
}

func (s *Store) UpdateAgentDesiredState(ctx context.Context, agentID string, config, metadata map[string]any, now time.Time) error {
	return s.do(func(v *view) error { return v.UpdateAgentDesiredState(ctx, agentID, config, metadata, now) })
}

func (s *Store) ListAgentsWithExpiredLease(ctx context.Context) (as []store.AgentDesiredState, err error) {
	err = s.do(func(v *view) error { as, err = v.ListAgentsWithExpiredLease(ctx); return err })
	return as, err
}

func (s *Store) DisableAgent(ctx context.Context, agentID string, now time.Time) (changed bool, err error) {
	err = s.do(func(v *view) error { changed, err = v.DisableAgent(ctx, agentID, now); return err })
	return changed, err
}

func (s *Store) EnableAgent(ctx context.Context, agentID string, now time.Time) (changed bool, err error) {
	err = s.do(func(v *view) error { changed, err = v.EnableAgent(ctx, agentID, now); return err })
	return changed, err
}

func (s *Store) SetAgentActualStatus(ctx context.Context, agentID, status, message string, now time.Time) error {
	return s.do(func(v *view) error { return v.SetAgentActualStatus(ctx, agentID, status, message, now) })
}

func (s *Store) GetUserTier(ctx context.Context, userID string) (tier string, err error) {
	err = s.do(func(v *view) error { tier, err = v.GetUserTier(ctx, userID); return err })
	return tier, err
}

func (s *Store) LockUser(ctx context.Context, userID string) error {
	return nil
}

// view implements store.Querier over data the caller has already locked.
type view struct {
	d *data
}

func (v *view) CreateManagedKey(_ context.Context, key *store.ManagedKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = key.CreatedAt
	}
	if key.Config == nil {
		key.Config = map[string]any{}
	}
	v.d.keys[key.ID] = copyKey(key)
	return nil
}

func (v *view) GetManagedKey(_ context.Context, id string) (*store.ManagedKey, error) {
	k, ok := v.d.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyKey(k), nil
}

func (v *view) ListManagedKeys(_ context.Context) ([]store.ManagedKey, error) {
	out := make([]store.ManagedKey, 0, len(v.d.keys))
	for _, k := range v.d.keys {
		out = append(out, *copyKey(k))
	}
	sortKeys(out)
	return out, nil
}

func (v *view) ListActiveKeysByProvider(_ context.Context, provider string) ([]store.ManagedKey, error) {
	out := make([]store.ManagedKey, 0)
	for _, k := range v.d.keys {
		if k.Active && k.Provider == provider {
			out = append(out, *copyKey(k))
		}
	}
	sortKeys(out)
	return out, nil
}

func (v *view) UpdateManagedKey(_ context.Context, id string, patch store.KeyPatch, now time.Time) (*store.ManagedKey, error) {
	k, ok := v.d.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.Label != nil {
		k.Label = *patch.Label
	}
	if patch.Active != nil {
		k.Active = *patch.Active
	}
	if patch.Config != nil {
		k.Config = copyMap(patch.Config)
	}
	k.UpdatedAt = now
	return copyKey(k), nil
}

func (v *view) CreateLease(_ context.Context, lease *store.Lease) error {
	if lease.ID == "" {
		lease.ID = uuid.NewString()
	}
	if lease.Status == "" {
		lease.Status = store.LeaseStatusActive
	}
	v.d.leases[lease.ID] = copyLease(lease)
	return nil
}

func (v *view) GetLease(_ context.Context, id string) (*store.Lease, error) {
	l, ok := v.d.leases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyLease(l), nil
}

func (v *view) ListLeasesByUser(_ context.Context, userID string) ([]store.LeaseWithKey, error) {
	return v.joinLeases(func(l *store.Lease) bool { return l.UserID == userID }), nil
}

func (v *view) ListLeasesByKey(_ context.Context, keyID string) ([]store.LeaseWithKey, error) {
	return v.joinLeases(func(l *store.Lease) bool { return l.ManagedKeyID == keyID }), nil
}

func (v *view) joinLeases(match func(*store.Lease) bool) []store.LeaseWithKey {
	out := make([]store.LeaseWithKey, 0)
	for _, l := range v.d.leases {
		if !match(l) {
			continue
		}
		row := store.LeaseWithKey{Lease: *copyLease(l)}
		if k, ok := v.d.keys[l.ManagedKeyID]; ok {
			row.KeyProvider = k.Provider
			row.KeyLabel = k.Label
			row.KeyConfig = copyMap(k.Config)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.After(out[j].GrantedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (v *view) ListActiveLeasesByKey(_ context.Context, keyID string) ([]store.Lease, error) {
	out := make([]store.Lease, 0)
	for _, l := range v.d.leases {
		if l.ManagedKeyID == keyID && l.Status == store.LeaseStatusActive {
			out = append(out, *copyLease(l))
		}
	}
	sortLeasesByGrant(out)
	return out, nil
}

func (v *view) CountActiveLeasesByKey(_ context.Context, keyID string) (int, error) {
	n := 0
	for _, l := range v.d.leases {
		if l.ManagedKeyID == keyID && l.Status == store.LeaseStatusActive {
			n++
		}
	}
	return n, nil
}

func (v *view) CountActiveLeasesByUser(_ context.Context, userID string) (int, error) {
	n := 0
	for _, l := range v.d.leases {
		if l.UserID == userID && l.Status == store.LeaseStatusActive {
			n++
		}
	}
	return n, nil
}

func (v *view) RevokeLease(_ context.Context, id string, at time.Time) (*store.Lease, error) {
	l, ok := v.d.leases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if l.Status != store.LeaseStatusActive {
		return nil, store.ErrConflict
	}
	l.Status = store.LeaseStatusRevoked
	revokedAt := at
	l.RevokedAt = &revokedAt
	return copyLease(l), nil
}

func (v *view) ExtendLease(_ context.Context, id string, expiresAt time.Time) (*store.Lease, error) {
	l, ok := v.d.leases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if l.Status == store.LeaseStatusRevoked {
		return nil, store.ErrConflict
	}
	l.Status = store.LeaseStatusActive
	l.ExpiresAt = expiresAt
	return copyLease(l), nil
}

func (v *view) ExpireLeases(_ context.Context, now time.Time) ([]store.Lease, error) {
	out := make([]store.Lease, 0)
	for _, l := range v.d.leases {
		if l.Status == store.LeaseStatusActive && l.ExpiresAt.Before(now) {
			l.Status = store.LeaseStatusExpired
			out = append(out, *copyLease(l))
		}
	}
	sortLeasesByGrant(out)
	return out, nil
}

func (v *view) CreateAgent(_ context.Context, agent *store.AgentDesiredState) error {
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}
	if _, exists := v.d.agents[agent.AgentID]; exists {
		return store.ErrConflict
	}
	if agent.Config == nil {
		agent.Config = map[string]any{}
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = time.Now()
	}
	v.d.agents[agent.AgentID] = copyAgent(agent)
	return nil
}

func (v *view) ListAgentsByUser(_ context.Context, userID string) ([]store.AgentDesiredState, error) {
	out := make([]store.AgentDesiredState, 0)
	for _, a := range v.d.agents {
		if a.UserID == userID {
			out = append(out, *copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (v *view) GetAgentActualState(_ context.Context, agentID string) (*store.AgentActualState, error) {
	a, ok := v.d.actual[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (v *view) SetUserTier(_ context.Context, userID, tier string, _ time.Time) error {
	v.d.tiers[userID] = tier
	return nil
}

func (v *view) GetAgentDesiredState(_ context.Context, agentID string) (*store.AgentDesiredState, error) {
	a, ok := v.d.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAgent(a), nil
}

func (v *view) UpdateAgentDesiredState(_ context.Context, agentID string, config, metadata map[string]any, now time.Time) error {
	a, ok := v.d.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.Config = copyMap(config)
	a.Metadata = copyMap(metadata)
	a.UpdatedAt = now
	return nil
}

func (v *view) ListAgentsWithExpiredLease(_ context.Context) ([]store.AgentDesiredState, error) {
	out := make([]store.AgentDesiredState, 0)
	for _, a := range v.d.agents {
		if !a.Enabled {
			continue
		}
		l, ok := v.d.leases[a.LeaseID()]
		if ok && l.Status == store.LeaseStatusExpired {
			out = append(out, *copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (v *view) DisableAgent(_ context.Context, agentID string, now time.Time) (bool, error) {
	return v.setAgentEnabled(agentID, false, now)
}

func (v *view) EnableAgent(_ context.Context, agentID string, now time.Time) (bool, error) {
	return v.setAgentEnabled(agentID, true, now)
}

func (v *view) setAgentEnabled(agentID string, enabled bool, now time.Time) (bool, error) {
	a, ok := v.d.agents[agentID]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.Enabled == enabled {
		return false, nil
	}
	a.Enabled = enabled
	a.UpdatedAt = now
	return true, nil
}

func (v *view) SetAgentActualStatus(_ context.Context, agentID, status, message string, now time.Time) error {
	v.d.actual[agentID] = &store.AgentActualState{
		AgentID:       agentID,
		Status:        status,
		StatusMessage: message,
		UpdatedAt:     now,
	}
	return nil
}

func (v *view) GetUserTier(_ context.Context, userID string) (string, error) {
	return v.d.tiers[userID], nil
}

func (v *view) LockUser(_ context.Context, _ string) error {
	return nil
}

func sortKeys(keys []store.ManagedKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].ID < keys[j].ID
	})
}

func sortLeasesByGrant(leases []store.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		if !leases[i].GrantedAt.Equal(leases[j].GrantedAt) {
			return leases[i].GrantedAt.Before(leases[j].GrantedAt)
		}
		return leases[i].ID < leases[j].ID
	})
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := deepcopy.Copy(m).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

func copyKey(k *store.ManagedKey) *store.ManagedKey {
	cp := *k
	cp.Config = copyMap(k.Config)
	return &cp
}

func copyLease(l *store.Lease) *store.Lease {
	cp := *l
	if l.RevokedAt != nil {
		t := *l.RevokedAt
		cp.RevokedAt = &t
	}
	if l.LastUsedAt != nil {
		t := *l.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func copyAgent(a *store.AgentDesiredState) *store.AgentDesiredState {
	cp := *a
	cp.Config = copyMap(a.Config)
	cp.Metadata = copyMap(a.Metadata)
	return &cp
}
