package providers

import (
	"github.com/smallbiznis/slabworks/internal/providers/storage"
	"github.com/smallbiznis/slabworks/internal/providers/worldgen"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	worldgen.Module,
	storage.Module,
)
