package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 4096

// Source reads the tier name recorded for a user ("" when unset).
type Source interface {
	GetUserTier(ctx context.Context, userID string) (string, error)
}

type cachedTier struct {
	tier      Tier
	fetchedAt time.Time
}

// Resolver maps users to tiers, caching lookups for ttl.
type Resolver struct {
	source Source
	table  *Table
	ttl    time.Duration
	now    func() time.Time
	cache  *lru.Cache[string, cachedTier]
}

type Option func(*Resolver)

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(source Source, table *Table, ttl time.Duration, opts ...Option) (*Resolver, error) {
	cache, err := lru.New[string, cachedTier](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tier cache: %w", err)
	}

	r := &Resolver{
		source: source,
		table:  table,
		ttl:    ttl,
		now:    time.Now,
		cache:  cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resolver) Table() *Table {
	return r.table
}

// Resolve returns the user's tier. Users without a tier, or with a tier the
// table does not know, get the default tier.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Tier, error) {
	now := r.now()
	if r.ttl > 0 {
		if entry, ok := r.cache.Get(userID); ok && now.Sub(entry.fetchedAt) < r.ttl {
			return entry.tier, nil
		}
	}

	name, err := r.source.GetUserTier(ctx, userID)
	if err != nil {
		return Tier{}, fmt.Errorf("failed to read user tier: %w", err)
	}

	tier := r.table.Default()
	if name != "" {
		if found, ok := r.table.Lookup(name); ok {
			tier = found
		} else {
			slog.Warn("Unknown tier on user, using default", "user_id", userID, "tier", name, "default", tier.Name)
		}
	}

	if r.ttl > 0 {
		r.cache.Add(userID, cachedTier{tier: tier, fetchedAt: now})
	}
	return tier, nil
}

// Invalidate drops the cached tier for a user.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Remove(userID)
}
