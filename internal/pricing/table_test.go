package pricing

import (
	"os"
	"path/filepath"
	"testing"

	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/smallbiznis/slabworks/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultTableLookup(t *testing.T) {
	table, err := Build(DefaultTableConfig())
	require.NoError(t, err)

	fast, err := table.Lookup(balancedomain.Action{Code: ActionWorldGeneration, Model: "fast"})
	require.NoError(t, err)
	assert.Equal(t, balancedomain.Money(40), fast.Cost)
	assert.Equal(t, balancedomain.ScopeTenant, fast.Scope)

	quality, err := table.Lookup(balancedomain.Action{Code: "WORLD_GENERATION", Model: " Quality "})
	require.NoError(t, err)
	assert.Equal(t, balancedomain.Money(126), quality.Cost)

	chat, err := table.Lookup(balancedomain.Action{Code: ActionChatCompletion})
	require.NoError(t, err)
	assert.Equal(t, balancedomain.ScopeUser, chat.Scope)
	assert.Equal(t, "0.02", chat.Cost.String())
}

func TestLookupUnknownAction(t *testing.T) {
	table, err := Build(DefaultTableConfig())
	require.NoError(t, err)

	_, err = table.Lookup(balancedomain.Action{Code: ActionWorldGeneration, Model: "ultra"})
	assert.ErrorIs(t, err, balancedomain.ErrUnknownAction)
}

func TestBuildRejectsInvalidTables(t *testing.T) {
	cases := map[string]TableConfig{
		"missing version": {Entries: DefaultTableConfig().Entries},
		"no entries":      {Version: "v1"},
		"bad cost":        {Version: "v1", Entries: []EntryConfig{{Action: "a", Cost: "1.234"}}},
		"bad scope":       {Version: "v1", Entries: []EntryConfig{{Action: "a", Cost: "1", Scope: "org"}}},
		"duplicate": {Version: "v1", Entries: []EntryConfig{
			{Action: "a", Model: "m", Cost: "1"},
			{Action: "A", Model: "M", Cost: "2"},
		}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yml")
	content := `pricing:
  version: "2026-03"
  currency: usd
  entries:
    - action: world_generation
      model: fast
      cost: "0.55"
      scope: tenant
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	holder, err := NewHolder(config.Config{PricingConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	table := holder.Current()
	assert.Equal(t, "2026-03", table.Version)
	assert.Equal(t, "USD", table.Currency)
	price, err := table.Lookup(balancedomain.Action{Code: ActionWorldGeneration, Model: "fast"})
	require.NoError(t, err)
	assert.Equal(t, balancedomain.Money(55), price.Cost)
}
