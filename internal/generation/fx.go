package generation

import (
	"github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/internal/generation/repository"
	"github.com/smallbiznis/slabworks/internal/generation/service"
	"github.com/smallbiznis/slabworks/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(l *ratelimit.JobLocker) domain.Locker { return l }),
	fx.Provide(service.NewService),
)
