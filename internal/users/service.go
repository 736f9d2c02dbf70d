package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/EternisAI/silo-lease/internal/usage"
)

var (
	ErrInvalidUserID = errors.New("invalid user ID")
	ErrUnknownTier   = errors.New("unknown tier")
)

// Subscription is a user's tier together with how much of its quota is used.
type Subscription struct {
	UserID       string
	Tier         tiers.Tier
	ActiveLeases int
}

type Service struct {
	store    store.Store
	resolver *tiers.Resolver
	tracker  *usage.Tracker
	now      func() time.Time
}

func NewService(st store.Store, resolver *tiers.Resolver) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		tracker:  usage.NewTracker(st),
		now:      time.Now,
	}
}

func (s *Service) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	tier, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.tracker.ActiveLeasesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Subscription{UserID: userID, Tier: tier, ActiveLeases: active}, nil
}

// SetTier records the user's tier. Existing leases keep the max-agents value
// captured when they were granted; the new tier applies to later requests.
func (s *Service) SetTier(ctx context.Context, userID, tierName string) (*Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	tier, ok := s.resolver.Table().Lookup(tierName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tierName)
	}

	if err := s.store.SetUserTier(ctx, userID, tier.Name, s.now()); err != nil {
		return nil, fmt.Errorf("failed to set user tier: %w", err)
	}
	s.resolver.Invalidate(userID)

	slog.Info("User tier updated", "user_id", userID, "tier", tier.Name)
	return s.GetSubscription(ctx, userID)
}
