package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-lease/internal/metrics"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReclaimSchedule = "@every 60s"
	reclaimLockKey         = "silo-lease:reclaimer"
	reclaimLockTTL         = 55 * time.Second
)

// Locker elects a single replica to run a sweep. Implementations return
// ok=false, without error, when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type SweepResult struct {
	Expired  int
	Disabled int
	Skipped  bool
}

// Reclaimer expires overdue leases and disables the agents that depend on
// them. Every step is idempotent, so overlapping sweeps are harmless.
type Reclaimer struct {
	store    store.Store
	locker   Locker
	schedule string
	now      func() time.Time
	cron     *cron.Cron
}

type ReclaimerOption func(*Reclaimer)

func WithLocker(l Locker) ReclaimerOption {
	return func(r *Reclaimer) { r.locker = l }
}

func WithSchedule(spec string) ReclaimerOption {
	return func(r *Reclaimer) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

func WithReclaimerClock(now func() time.Time) ReclaimerOption {
	return func(r *Reclaimer) { r.now = now }
}

func NewReclaimer(st store.Store, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		store:    st,
		schedule: DefaultReclaimSchedule,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs one sweep immediately and then on the configured schedule until
// Stop is called or ctx is done.
func (r *Reclaimer) Start(ctx context.Context) error {
	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(r.schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid reclaimer schedule %q: %w", r.schedule, err)
	}
	r.cron = c

	go r.tick(ctx)
	c.Start()

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	slog.Info("Lease reclaimer started", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reclaimer) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Reclaimer) tick(ctx context.Context) {
	start := time.Now()
	result, err := r.Sweep(ctx)
	metrics.ReclaimerTickDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ReclaimerTickErrors.Inc()
		slog.Error("Lease reclaimer sweep failed", "error", err)
		return
	}
	if result.Expired > 0 || result.Disabled > 0 {
		slog.Info("Lease reclaimer sweep finished",
			"expired", result.Expired,
			"disabled_agents", result.Disabled)
	}
}

// Sweep expires every active lease past its expiry, then disables every
// enabled agent whose lease is expired. The second step also repairs agents
// left enabled by an earlier sweep that failed halfway.
func (r *Reclaimer) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, reclaimLockKey, reclaimLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire reclaimer lock: %w", err)
		}
		if !ok {
			slog.Debug("Lease reclaimer sweep skipped, lock held elsewhere")
			result.Skipped = true
			return result, nil
		}
		defer unlock()
	}

	now := r.now()
	expired, err := r.store.ExpireLeases(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire leases: %w", err)
	}
	result.Expired = len(expired)
	metrics.LeasesExpired.Add(float64(len(expired)))
	for _, l := range expired {
		slog.Info("Lease expired", "lease_id", l.ID, "agent_id", l.AgentID, "expires_at", l.ExpiresAt)
	}

	agents, err := r.store.ListAgentsWithExpiredLease(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list agents with expired leases: %w", err)
	}

	var errs []error
	for _, agent := range agents {
		disabled, err := r.disableAgent(ctx, agent, now)
		if err != nil {
			slog.Error("Failed to disable agent with expired lease",
				"agent_id", agent.AgentID,
				"lease_id", agent.LeaseID(),
				"error", err)
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.AgentID, err))
			continue
		}
		if disabled {
			result.Disabled++
			metrics.AgentsDisabled.Inc()
			slog.Info("Agent disabled, lease expired", "agent_id", agent.AgentID, "lease_id", agent.LeaseID())
		}
	}

	return result, errors.Join(errs...)
}

// disableAgent re-reads the agent inside the transaction and only disables it
// while its metadata still references an expired lease. A grant or extension
// that lands between listing and disabling leaves the agent alone.
func (r *Reclaimer) disableAgent(ctx context.Context, listed store.AgentDesiredState, now time.Time) (bool, error) {
	var disabled bool
	err := r.store.InTx(ctx, func(q store.Querier) error {
		if err := q.LockUser(ctx, listed.UserID); err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		agent, err := q.GetAgentDesiredState(ctx, listed.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to get agent: %w", err)
		}
		leaseID := agent.LeaseID()
		if !agent.Enabled || leaseID == "" {
			return nil
		}
		lease, err := q.GetLease(ctx, leaseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to get lease: %w", err)
		}
		if lease.Status != store.LeaseStatusExpired {
			return nil
		}

		changed, err := q.DisableAgent(ctx, agent.AgentID, now)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		disabled = true

		message := fmt.Sprintf("Managed key lease %s expired. Request a new lease or extend the current one to re-enable this agent.", leaseID)
		return q.SetAgentActualStatus(ctx, agent.AgentID, store.AgentStatusError, message, now)
	})
	return disabled, err
}
