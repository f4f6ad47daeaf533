package worldgen

import (
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.worldgen",
	fx.Provide(New),
	fx.Provide(func(c *Client) generationdomain.Provider { return c }),
)
