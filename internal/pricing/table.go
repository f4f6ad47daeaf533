package pricing

import (
	"errors"
	"fmt"
	"strings"

	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
)

const (
	ActionWorldGeneration = "world_generation"
	ActionAIRendering     = "ai_rendering"
	ActionChatCompletion  = "chat_completion"

	ModelDefault = "default"
)

// EntryConfig is one priced action as written in pricing.yml.
type EntryConfig struct {
	Action string `mapstructure:"action"`
	Model  string `mapstructure:"model"`
	Cost   string `mapstructure:"cost"`
	Scope  string `mapstructure:"scope"`
}

// TableConfig is the raw pricing section.
type TableConfig struct {
	Version  string        `mapstructure:"version"`
	Currency string        `mapstructure:"currency"`
	Entries  []EntryConfig `mapstructure:"entries"`
}

// DefaultTableConfig is used when no pricing file is mounted.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Version:  "2026-01-default",
		Currency: "USD",
		Entries: []EntryConfig{
			{Action: ActionWorldGeneration, Model: "fast", Cost: "0.40", Scope: string(balancedomain.ScopeTenant)},
			{Action: ActionWorldGeneration, Model: "quality", Cost: "1.26", Scope: string(balancedomain.ScopeTenant)},
			{Action: ActionAIRendering, Model: ModelDefault, Cost: "0.40", Scope: string(balancedomain.ScopeUser)},
			{Action: ActionChatCompletion, Model: ModelDefault, Cost: "0.02", Scope: string(balancedomain.ScopeUser)},
		},
	}
}

// Price is the resolved cost of one action.
type Price struct {
	Action balancedomain.Action
	Cost   balancedomain.Money
	Scope  balancedomain.ScopeType
}

// Table is an immutable, versioned cost table keyed by action and model.
type Table struct {
	Version  string
	Currency string
	prices   map[string]Price
}

// Build validates cfg and produces a Table.
func Build(cfg TableConfig) (Table, error) {
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		return Table{}, errors.New("pricing.version cannot be empty")
	}
	if len(cfg.Entries) == 0 {
		return Table{}, errors.New("pricing.entries cannot be empty")
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}

	prices := make(map[string]Price, len(cfg.Entries))
	for i, entry := range cfg.Entries {
		action := balancedomain.Action{
			Code:  strings.ToLower(strings.TrimSpace(entry.Action)),
			Model: normalizeModel(entry.Model),
		}
		if action.Code == "" {
			return Table{}, fmt.Errorf("pricing.entries[%d]: action is required", i)
		}
		cost, err := balancedomain.ParseMoney(entry.Cost)
		if err != nil || cost < 0 {
			return Table{}, fmt.Errorf("pricing.entries[%d]: invalid cost %q", i, entry.Cost)
		}
		scope := balancedomain.ScopeType(strings.ToLower(strings.TrimSpace(entry.Scope)))
		if scope == "" {
			scope = balancedomain.ScopeTenant
		}
		if !scope.Valid() {
			return Table{}, fmt.Errorf("pricing.entries[%d]: invalid scope %q", i, entry.Scope)
		}
		key := action.String()
		if _, dup := prices[key]; dup {
			return Table{}, fmt.Errorf("pricing.entries[%d]: duplicate entry %s", i, key)
		}
		prices[key] = Price{Action: action, Cost: cost, Scope: scope}
	}

	return Table{Version: version, Currency: currency, prices: prices}, nil
}

// Lookup finds the price of action. An empty model resolves to the default entry.
func (t Table) Lookup(action balancedomain.Action) (Price, error) {
	key := balancedomain.Action{
		Code:  strings.ToLower(strings.TrimSpace(action.Code)),
		Model: normalizeModel(action.Model),
	}
	if price, ok := t.prices[key.String()]; ok {
		return price, nil
	}
	return Price{}, fmt.Errorf("%w: %s", balancedomain.ErrUnknownAction, key.String())
}

// Len returns the number of priced actions.
func (t Table) Len() int { return len(t.prices) }

func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return ModelDefault
	}
	return model
}
