package archive

import (
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("archive.service",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) generationdomain.Archiver { return s }),
)
