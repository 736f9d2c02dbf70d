// Package managedkeys is the registry of operator-owned provider credentials.
package managedkeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/EternisAI/silo-lease/internal/usage"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrCascadeIncomplete is returned with a result when the key was updated but
// one or more dependent agents could not be corrected.
var ErrCascadeIncomplete = errors.New("key updated but cascade did not complete")

// Cascade propagates key changes to dependent leases and agents.
type Cascade interface {
	OnKeyDisabled(ctx context.Context, keyID string) (*leases.CascadeReport, error)
	OnKeyConfigChanged(ctx context.Context, keyID string) (*leases.CascadeReport, error)
}

type CreateParams struct {
	Provider        string `validate:"required,max=64"`
	Label           string `validate:"max=255"`
	Secret          string `validate:"required"`
	Config          map[string]any
	DailyLimitUSD   decimal.NullDecimal
	MonthlyLimitUSD decimal.NullDecimal
}

// UpdateParams patches a key. Config is merged into the stored config one
// top-level field at a time; a nil value removes the field.
type UpdateParams struct {
	Label  *string `validate:"omitempty,max=255"`
	Active *bool
	Config map[string]any
}

// KeyView is a key as shown to administrators: no secret, redacted config and
// the live number of active leases.
type KeyView struct {
	ID              string              `json:"id"`
	Provider        string              `json:"provider"`
	Label           string              `json:"label"`
	Active          bool                `json:"active"`
	Config          map[string]any      `json:"config"`
	DailyLimitUSD   decimal.NullDecimal `json:"daily_limit_usd"`
	MonthlyLimitUSD decimal.NullDecimal `json:"monthly_limit_usd"`
	ActiveLeases    int                 `json:"active_leases"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type UpdateResult struct {
	Key     *KeyView
	Cascade *leases.CascadeReport
}

type Service struct {
	store    store.Store
	codec    *credential.Codec
	cascade  Cascade
	tracker  *usage.Tracker
	validate *validator.Validate
	now      func() time.Time
}

func NewService(st store.Store, codec *credential.Codec, cascade Cascade) *Service {
	return &Service{
		store:    st,
		codec:    codec,
		cascade:  cascade,
		tracker:  usage.NewTracker(st),
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*KeyView, error) {
	params.Provider = strings.ToLower(strings.TrimSpace(params.Provider))
	params.Label = strings.TrimSpace(params.Label)
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %v", leases.ErrInvalidInput, err)
	}
	if err := checkLimit("daily_limit_usd", params.DailyLimitUSD); err != nil {
		return nil, err
	}
	if err := checkLimit("monthly_limit_usd", params.MonthlyLimitUSD); err != nil {
		return nil, err
	}

	encryptedKey, err := s.codec.Encrypt(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	config, err := s.codec.EncryptConfig(params.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key config: %w", err)
	}
	if config == nil {
		config = map[string]any{}
	}

	now := s.now()
	key := &store.ManagedKey{
		Provider:     params.Provider,
		Label:        params.Label,
		EncryptedKey: encryptedKey,
		Active:       true,
		Config:       config,
		DailyLimit:   params.DailyLimitUSD,
		MonthlyLimit: params.MonthlyLimitUSD,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateManagedKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to create managed key: %w", err)
	}

	slog.Info("Managed key created", "key_id", key.ID, "provider", key.Provider, "label", key.Label)
	return toView(key, 0), nil
}

func (s *Service) Get(ctx context.Context, id string) (*KeyView, error) {
	key, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := s.tracker.ActiveLeasesForKey(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	return toView(key, count), nil
}

// List returns every key, active or not, oldest first.
func (s *Service) List(ctx context.Context) ([]KeyView, error) {
	keys, err := s.store.ListManagedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed keys: %w", err)
	}

	out := make([]KeyView, len(keys))
	for i := range keys {
		count, err := s.tracker.ActiveLeasesForKey(ctx, keys[i].ID)
		if err != nil {
			return nil, err
		}
		out[i] = *toView(&keys[i], count)
	}
	return out, nil
}

// Update applies params and runs the revocation cascade before returning.
// Deactivation takes precedence: a patch that both disables the key and
// changes its config revokes the dependent leases.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*UpdateResult, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %v", leases.ErrInvalidInput, err)
	}

	existing, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := store.KeyPatch{Active: params.Active}
	if params.Label != nil {
		label := strings.TrimSpace(*params.Label)
		patch.Label = &label
	}

	configChanged := len(params.Config) > 0
	if configChanged {
		merged := mergeConfig(existing.Config, params.Config)
		patch.Config, err = s.codec.EncryptConfig(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt key config: %w", err)
		}
	}

	updated, err := s.store.UpdateManagedKey(ctx, id, patch, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, leases.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to update managed key: %w", err)
	}

	slog.Info("Managed key updated",
		"key_id", id,
		"active", updated.Active,
		"config_changed", configChanged)

	var report *leases.CascadeReport
	switch {
	case params.Active != nil && !*params.Active:
		report, err = s.cascade.OnKeyDisabled(ctx, id)
	case configChanged && updated.Active:
		report, err = s.cascade.OnKeyConfigChanged(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run cascade for key %s: %w", id, err)
	}

	count, err := s.tracker.ActiveLeasesForKey(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{Key: toView(updated, count), Cascade: report}
	if report != nil && len(report.Failures) > 0 {
		return result, fmt.Errorf("%w: %w", ErrCascadeIncomplete, report.Err())
	}
	return result, nil
}

// Disable deactivates the key. Keys are never deleted.
func (s *Service) Disable(ctx context.Context, id string) (*UpdateResult, error) {
	inactive := false
	return s.Update(ctx, id, UpdateParams{Active: &inactive})
}

func (s *Service) get(ctx context.Context, id string) (*store.ManagedKey, error) {
	key, err := s.store.GetManagedKey(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, leases.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get managed key: %w", err)
	}
	return key, nil
}

func mergeConfig(existing, patch map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func checkLimit(field string, limit decimal.NullDecimal) error {
	if limit.Valid && limit.Decimal.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", leases.ErrInvalidInput, field)
	}
	return nil
}

func toView(key *store.ManagedKey, activeLeases int) *KeyView {
	return &KeyView{
		ID:              key.ID,
		Provider:        key.Provider,
		Label:           key.Label,
		Active:          key.Active,
		Config:          credential.RedactConfig(key.Config),
		DailyLimitUSD:   key.DailyLimit,
		MonthlyLimitUSD: key.MonthlyLimit,
		ActiveLeases:    activeLeases,
		CreatedAt:       key.CreatedAt,
		UpdatedAt:       key.UpdatedAt,
	}
}
