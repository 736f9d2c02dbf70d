package tiers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrEmptyTable = errors.New("tier table has no tiers")

// Tier is one row of the quota table. Rank orders tiers from lowest (0) up.
type Tier struct {
	Name         string
	Rank         int
	DurationDays int
	MaxAgents    int
	MaxUSD       decimal.Decimal
}

type TierConfig struct {
	Name         string  `mapstructure:"name"`
	Rank         int     `mapstructure:"rank"`
	DurationDays int     `mapstructure:"duration_days"`
	MaxAgents    int     `mapstructure:"max_agents"`
	MaxUSD       float64 `mapstructure:"max_usd"`
}

type Config struct {
	Default string       `mapstructure:"default"`
	Table   []TierConfig `mapstructure:"table"`
}

// DefaultTiers is used when no table is configured.
var DefaultTiers = []Tier{
	{Name: "free", Rank: 0, DurationDays: 7, MaxAgents: 1, MaxUSD: decimal.NewFromInt(5)},
	{Name: "starter", Rank: 1, DurationDays: 30, MaxAgents: 3, MaxUSD: decimal.NewFromInt(25)},
	{Name: "pro", Rank: 2, DurationDays: 30, MaxAgents: 10, MaxUSD: decimal.NewFromInt(100)},
	{Name: "enterprise", Rank: 3, DurationDays: 90, MaxAgents: 50, MaxUSD: decimal.NewFromInt(1000)},
}

// Table is the static tier quota table.
type Table struct {
	tiers       map[string]Tier
	defaultTier Tier
}

// NewTable builds a table. When defaultName is empty the lowest ranked tier
// is the default.
func NewTable(rows []Tier, defaultName string) (*Table, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyTable
	}

	t := &Table{tiers: make(map[string]Tier, len(rows))}
	for _, row := range rows {
		name := normalize(row.Name)
		if name == "" {
			return nil, fmt.Errorf("tier at rank %d has no name", row.Rank)
		}
		if row.DurationDays < 1 {
			return nil, fmt.Errorf("tier %s: duration_days must be >= 1", name)
		}
		if row.MaxAgents < 0 {
			return nil, fmt.Errorf("tier %s: max_agents must be >= 0", name)
		}
		row.Name = name
		t.tiers[name] = row
	}

	if defaultName != "" {
		def, ok := t.tiers[normalize(defaultName)]
		if !ok {
			return nil, fmt.Errorf("default tier %q is not in the table", defaultName)
		}
		t.defaultTier = def
		return t, nil
	}

	ordered := t.List()
	t.defaultTier = ordered[0]
	return t, nil
}

// NewTableFromConfig falls back to DefaultTiers when cfg has no rows.
func NewTableFromConfig(cfg Config) (*Table, error) {
	if len(cfg.Table) == 0 {
		return NewTable(DefaultTiers, cfg.Default)
	}
	rows := make([]Tier, len(cfg.Table))
	for i, c := range cfg.Table {
		rows[i] = Tier{
			Name:         c.Name,
			Rank:         c.Rank,
			DurationDays: c.DurationDays,
			MaxAgents:    c.MaxAgents,
			MaxUSD:       decimal.NewFromFloat(c.MaxUSD),
		}
	}
	return NewTable(rows, cfg.Default)
}

func (t *Table) Lookup(name string) (Tier, bool) {
	tier, ok := t.tiers[normalize(name)]
	return tier, ok
}

func (t *Table) Default() Tier {
	return t.defaultTier
}

// List returns tiers ordered by rank, then name.
func (t *Table) List() []Tier {
	out := make([]Tier, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
