// Package usage computes live lease load. Counts are always read from the
// store; nothing is cached.
package usage

import (
	"context"
	"fmt"

	"github.com/EternisAI/silo-lease/internal/store"
)

type Counter interface {
	CountActiveLeasesByKey(ctx context.Context, keyID string) (int, error)
	CountActiveLeasesByUser(ctx context.Context, userID string) (int, error)
}

type Tracker struct {
	counter Counter
}

// NewTracker binds a tracker to a store or to the querier of an open transaction.
func NewTracker(counter Counter) *Tracker {
	return &Tracker{counter: counter}
}

func (t *Tracker) ActiveLeasesForKey(ctx context.Context, keyID string) (int, error) {
	n, err := t.counter.CountActiveLeasesByKey(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("count active leases for key: %w", err)
	}
	return n, nil
}

func (t *Tracker) ActiveLeasesForUser(ctx context.Context, userID string) (int, error) {
	n, err := t.counter.CountActiveLeasesByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count active leases for user: %w", err)
	}
	return n, nil
}

// LeastLoaded returns the key with the fewest active leases and its count.
// Ties go to the earliest key in the given order.
func (t *Tracker) LeastLoaded(ctx context.Context, keys []store.ManagedKey) (*store.ManagedKey, int, error) {
	var (
		best      *store.ManagedKey
		bestCount int
	)
	for i := range keys {
		n, err := t.ActiveLeasesForKey(ctx, keys[i].ID)
		if err != nil {
			return nil, 0, err
		}
		if best == nil || n < bestCount {
			best = &keys[i]
			bestCount = n
		}
	}
	return best, bestCount, nil
}
