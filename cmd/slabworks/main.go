package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slabworks/internal/archive"
	"github.com/smallbiznis/slabworks/internal/balance"
	"github.com/smallbiznis/slabworks/internal/clock"
	"github.com/smallbiznis/slabworks/internal/config"
	"github.com/smallbiznis/slabworks/internal/generation"
	"github.com/smallbiznis/slabworks/internal/migration"
	"github.com/smallbiznis/slabworks/internal/observability"
	"github.com/smallbiznis/slabworks/internal/pricing"
	"github.com/smallbiznis/slabworks/internal/providers"
	"github.com/smallbiznis/slabworks/internal/ratelimit"
	"github.com/smallbiznis/slabworks/internal/server"
	"github.com/smallbiznis/slabworks/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		pricing.Module,
		balance.Module,
		providers.Module,
		archive.Module,
		generation.Module,

		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
