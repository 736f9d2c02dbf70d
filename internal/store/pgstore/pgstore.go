// Package pgstore implements store.Store on PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

const (
	tableKeys          = "managed_keys"
	tableLeases        = "leases"
	tableAgents        = "agent_desired_state"
	tableActual        = "agent_actual_state"
	tableSubscriptions = "user_subscriptions"

	maxTxAttempts = 3
	txBackoffBase = 20 * time.Millisecond
)

var (
	keyColumns = []string{
		"id", "provider", "label", "encrypted_key", "active", "config",
		"daily_limit_usd", "monthly_limit_usd", "created_at", "updated_at",
	}
	leaseColumns = []string{
		"id", "managed_key_id", "user_id", "agent_id", "status", "granted_at",
		"expires_at", "revoked_at", "usage_usd", "last_used_at", "tier_max_agents",
	}
	agentColumns = []string{"agent_id", "user_id", "enabled", "config", "metadata", "updated_at"}
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// DBInterface is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	queries
	db DBInterface
}

var _ store.Store = (*Store)(nil)

func New(db DBInterface) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

// InTx runs fn in a transaction. Serialization failures and deadlocks are
// retried with exponential backoff; fn must therefore be safe to rerun.
func (s *Store) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	backoff := retry.WithMaxRetries(maxTxAttempts-1, retry.NewExponential(txBackoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isRetryable(err) {
			slog.Warn("Retrying transaction", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) runTx(ctx context.Context, fn func(q store.Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.Warn("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type queries struct {
	db DBInterface
}

func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func (q *queries) get(ctx context.Context, dst any, b squirrel.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	if err := pgxscan.Get(ctx, q.db, dst, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (q *queries) selectAll(ctx context.Context, dst any, b squirrel.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	return pgxscan.Select(ctx, q.db, dst, query, args...)
}

func (q *queries) exec(ctx context.Context, b squirrel.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("building query: %w", err)
	}
	return q.db.Exec(ctx, query, args...)
}

func (q *queries) count(ctx context.Context, b squirrel.Sqlizer) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	var n int
	if err := q.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Managed keys

func (q *queries) CreateManagedKey(ctx context.Context, key *store.ManagedKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = key.CreatedAt
	}
	if key.Config == nil {
		key.Config = map[string]any{}
	}

	_, err := q.exec(ctx, psql.Insert(tableKeys).
		Columns(keyColumns...).
		Values(key.ID, key.Provider, key.Label, key.EncryptedKey, key.Active, key.Config,
			key.DailyLimit, key.MonthlyLimit, key.CreatedAt, key.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting managed key: %w", err)
	}
	return nil
}

func (q *queries) GetManagedKey(ctx context.Context, id string) (*store.ManagedKey, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	var key store.ManagedKey
	err := q.get(ctx, &key, psql.Select(keyColumns...).From(tableKeys).Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (q *queries) ListManagedKeys(ctx context.Context) ([]store.ManagedKey, error) {
	var keys []store.ManagedKey
	err := q.selectAll(ctx, &keys, psql.Select(keyColumns...).From(tableKeys).OrderBy("created_at", "id"))
	if err != nil {
		return nil, fmt.Errorf("scanning managed keys: %w", err)
	}
	return keys, nil
}

func (q *queries) ListActiveKeysByProvider(ctx context.Context, provider string) ([]store.ManagedKey, error) {
	var keys []store.ManagedKey
	err := q.selectAll(ctx, &keys, psql.Select(keyColumns...).
		From(tableKeys).
		Where(squirrel.Eq{"provider": provider, "active": true}).
		OrderBy("created_at", "id"))
	if err != nil {
		return nil, fmt.Errorf("scanning managed keys: %w", err)
	}
	return keys, nil
}

func (q *queries) UpdateManagedKey(ctx context.Context, id string, patch store.KeyPatch, now time.Time) (*store.ManagedKey, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	b := psql.Update(tableKeys).Set("updated_at", now)
	if patch.Label != nil {
		b = b.Set("label", *patch.Label)
	}
	if patch.Active != nil {
		b = b.Set("active", *patch.Active)
	}
	if patch.Config != nil {
		b = b.Set("config", patch.Config)
	}
	b = b.Where(squirrel.Eq{"id": id}).Suffix("RETURNING " + strings.Join(keyColumns, ", "))

	var key store.ManagedKey
	if err := q.get(ctx, &key, b); err != nil {
		return nil, err
	}
	return &key, nil
}

// Leases

func (q *queries) CreateLease(ctx context.Context, lease *store.Lease) error {
	if lease.ID == "" {
		lease.ID = uuid.NewString()
	}
	if lease.Status == "" {
		lease.Status = store.LeaseStatusActive
	}

	_, err := q.exec(ctx, psql.Insert(tableLeases).
		Columns(leaseColumns...).
		Values(lease.ID, lease.ManagedKeyID, lease.UserID, lease.AgentID, string(lease.Status),
			lease.GrantedAt, lease.ExpiresAt, lease.RevokedAt, lease.UsageUSD, lease.LastUsedAt,
			lease.TierMaxAgents))
	if err != nil {
		return fmt.Errorf("inserting lease: %w", err)
	}
	return nil
}

func (q *queries) GetLease(ctx context.Context, id string) (*store.Lease, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	var lease store.Lease
	if err := q.get(ctx, &lease, psql.Select(leaseColumns...).From(tableLeases).Where(squirrel.Eq{"id": id})); err != nil {
		return nil, err
	}
	return &lease, nil
}

func (q *queries) listLeasesWithKey(ctx context.Context, where squirrel.Eq) ([]store.LeaseWithKey, error) {
	cols := append(prefixed("l", leaseColumns),
		"k.provider AS key_provider",
		"k.label AS key_label",
		"k.config AS key_config")

	var rows []store.LeaseWithKey
	err := q.selectAll(ctx, &rows, psql.Select(cols...).
		From(tableLeases+" l").
		Join(tableKeys+" k ON k.id = l.managed_key_id").
		Where(where).
		OrderBy("l.granted_at DESC", "l.id DESC"))
	if err != nil {
		return nil, fmt.Errorf("scanning leases: %w", err)
	}
	return rows, nil
}

func (q *queries) ListLeasesByUser(ctx context.Context, userID string) ([]store.LeaseWithKey, error) {
	return q.listLeasesWithKey(ctx, squirrel.Eq{"l.user_id": userID})
}

func (q *queries) ListLeasesByKey(ctx context.Context, keyID string) ([]store.LeaseWithKey, error) {
	return q.listLeasesWithKey(ctx, squirrel.Eq{"l.managed_key_id": keyID})
}

func (q *queries) ListActiveLeasesByKey(ctx context.Context, keyID string) ([]store.Lease, error) {
	var leases []store.Lease
	err := q.selectAll(ctx, &leases, psql.Select(leaseColumns...).
		From(tableLeases).
		Where(squirrel.Eq{"managed_key_id": keyID, "status": string(store.LeaseStatusActive)}).
		OrderBy("granted_at", "id"))
	if err != nil {
		return nil, fmt.Errorf("scanning leases: %w", err)
	}
	return leases, nil
}

func (q *queries) CountActiveLeasesByKey(ctx context.Context, keyID string) (int, error) {
	n, err := q.count(ctx, psql.Select("COUNT(*)").From(tableLeases).
		Where(squirrel.Eq{"managed_key_id": keyID, "status": string(store.LeaseStatusActive)}))
	if err != nil {
		return 0, fmt.Errorf("counting leases by key: %w", err)
	}
	return n, nil
}

func (q *queries) CountActiveLeasesByUser(ctx context.Context, userID string) (int, error) {
	n, err := q.count(ctx, psql.Select("COUNT(*)").From(tableLeases).
		Where(squirrel.Eq{"user_id": userID, "status": string(store.LeaseStatusActive)}))
	if err != nil {
		return 0, fmt.Errorf("counting leases by user: %w", err)
	}
	return n, nil
}

// transition runs a conditional lease update. When no row matched it tells a
// missing lease (ErrNotFound) from one in the wrong state (ErrConflict).
func (q *queries) transition(ctx context.Context, id string, b squirrel.UpdateBuilder) (*store.Lease, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	var lease store.Lease
	err := q.get(ctx, &lease, b.Suffix("RETURNING "+strings.Join(leaseColumns, ", ")))
	if err == nil {
		return &lease, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := q.GetLease(ctx, id); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func (q *queries) RevokeLease(ctx context.Context, id string, at time.Time) (*store.Lease, error) {
	return q.transition(ctx, id, psql.Update(tableLeases).
		Set("status", string(store.LeaseStatusRevoked)).
		Set("revoked_at", at).
		Where(squirrel.Eq{"id": id, "status": string(store.LeaseStatusActive)}))
}

func (q *queries) ExtendLease(ctx context.Context, id string, expiresAt time.Time) (*store.Lease, error) {
	return q.transition(ctx, id, psql.Update(tableLeases).
		Set("status", string(store.LeaseStatusActive)).
		Set("expires_at", expiresAt).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"status": string(store.LeaseStatusRevoked)}))
}

func (q *queries) ExpireLeases(ctx context.Context, now time.Time) ([]store.Lease, error) {
	var leases []store.Lease
	err := q.selectAll(ctx, &leases, psql.Update(tableLeases).
		Set("status", string(store.LeaseStatusExpired)).
		Where(squirrel.Eq{"status": string(store.LeaseStatusActive)}).
		Where(squirrel.Lt{"expires_at": now}).
		Suffix("RETURNING "+strings.Join(leaseColumns, ", ")))
	if err != nil {
		return nil, fmt.Errorf("expiring leases: %w", err)
	}
	return leases, nil
}

// Agents

func (q *queries) CreateAgent(ctx context.Context, agent *store.AgentDesiredState) error {
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}
	if agent.Config == nil {
		agent.Config = map[string]any{}
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = time.Now().UTC()
	}

	tag, err := q.exec(ctx, psql.Insert(tableAgents).
		Columns(agentColumns...).
		Values(agent.AgentID, agent.UserID, agent.Enabled, agent.Config, agent.Metadata, agent.UpdatedAt).
		Suffix("ON CONFLICT (agent_id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (q *queries) GetAgentDesiredState(ctx context.Context, agentID string) (*store.AgentDesiredState, error) {
	var agent store.AgentDesiredState
	if err := q.get(ctx, &agent, psql.Select(agentColumns...).From(tableAgents).Where(squirrel.Eq{"agent_id": agentID})); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (q *queries) ListAgentsByUser(ctx context.Context, userID string) ([]store.AgentDesiredState, error) {
	var agents []store.AgentDesiredState
	err := q.selectAll(ctx, &agents, psql.Select(agentColumns...).
		From(tableAgents).
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("agent_id"))
	if err != nil {
		return nil, fmt.Errorf("scanning agents: %w", err)
	}
	return agents, nil
}

func (q *queries) UpdateAgentDesiredState(ctx context.Context, agentID string, config, metadata map[string]any, now time.Time) error {
	tag, err := q.exec(ctx, psql.Update(tableAgents).
		Set("config", config).
		Set("metadata", metadata).
		Set("updated_at", now).
		Where(squirrel.Eq{"agent_id": agentID}))
	if err != nil {
		return fmt.Errorf("updating agent desired state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListAgentsWithExpiredLease(ctx context.Context) ([]store.AgentDesiredState, error) {
	var agents []store.AgentDesiredState
	err := q.selectAll(ctx, &agents, psql.Select(prefixed("d", agentColumns)...).
		From(tableAgents+" d").
		Join(tableLeases+" l ON l.id::text = d.metadata->>'lease_id'").
		Where(squirrel.Eq{"d.enabled": true, "l.status": string(store.LeaseStatusExpired)}).
		OrderBy("d.agent_id"))
	if err != nil {
		return nil, fmt.Errorf("scanning agents with expired leases: %w", err)
	}
	return agents, nil
}

func (q *queries) DisableAgent(ctx context.Context, agentID string, now time.Time) (bool, error) {
	return q.setAgentEnabled(ctx, agentID, false, now)
}

func (q *queries) EnableAgent(ctx context.Context, agentID string, now time.Time) (bool, error) {
	return q.setAgentEnabled(ctx, agentID, true, now)
}

// setAgentEnabled only touches rows in the opposite state, so it reports
// whether anything changed.
func (q *queries) setAgentEnabled(ctx context.Context, agentID string, enabled bool, now time.Time) (bool, error) {
	tag, err := q.exec(ctx, psql.Update(tableAgents).
		Set("enabled", enabled).
		Set("updated_at", now).
		Where(squirrel.Eq{"agent_id": agentID, "enabled": !enabled}))
	if err != nil {
		return false, fmt.Errorf("setting agent enabled=%t: %w", enabled, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	exists, err := q.count(ctx, psql.Select("COUNT(*)").From(tableAgents).Where(squirrel.Eq{"agent_id": agentID}))
	if err != nil {
		return false, fmt.Errorf("checking agent: %w", err)
	}
	if exists == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (q *queries) SetAgentActualStatus(ctx context.Context, agentID, status, message string, now time.Time) error {
	_, err := q.exec(ctx, psql.Insert(tableActual).
		Columns("agent_id", "status", "status_message", "updated_at").
		Values(agentID, status, message, now).
		Suffix("ON CONFLICT (agent_id) DO UPDATE SET status = EXCLUDED.status, status_message = EXCLUDED.status_message, updated_at = EXCLUDED.updated_at"))
	if err != nil {
		return fmt.Errorf("upserting agent actual state: %w", err)
	}
	return nil
}

func (q *queries) GetAgentActualState(ctx context.Context, agentID string) (*store.AgentActualState, error) {
	var actual store.AgentActualState
	err := q.get(ctx, &actual, psql.Select("agent_id", "status", "status_message", "updated_at").
		From(tableActual).
		Where(squirrel.Eq{"agent_id": agentID}))
	if err != nil {
		return nil, err
	}
	return &actual, nil
}

// Users

func (q *queries) GetUserTier(ctx context.Context, userID string) (string, error) {
	var tier string
	err := q.get(ctx, &tier, psql.Select("tier").From(tableSubscriptions).Where(squirrel.Eq{"user_id": userID}))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading user tier: %w", err)
	}
	return tier, nil
}

func (q *queries) SetUserTier(ctx context.Context, userID, tier string, now time.Time) error {
	_, err := q.exec(ctx, psql.Insert(tableSubscriptions).
		Columns("user_id", "tier", "updated_at").
		Values(userID, tier, now).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at"))
	if err != nil {
		return fmt.Errorf("upserting user tier: %w", err)
	}
	return nil
}

// LockUser takes a transaction-scoped advisory lock keyed by the user id.
// Outside a transaction the lock is released as soon as the statement ends.
func (q *queries) LockUser(ctx context.Context, userID string) error {
	if _, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", userID); err != nil {
		return fmt.Errorf("locking user: %w", err)
	}
	return nil
}
