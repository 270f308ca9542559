package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/agentmeter/internal/billingsync"
	"github.com/smallbiznis/agentmeter/internal/clock"
	"github.com/smallbiznis/agentmeter/internal/config"
	"github.com/smallbiznis/agentmeter/internal/logger"
	"github.com/smallbiznis/agentmeter/internal/migration"
	"github.com/smallbiznis/agentmeter/internal/observability"
	"github.com/smallbiznis/agentmeter/internal/redisclient"
	"github.com/smallbiznis/agentmeter/internal/scheduler"
	"github.com/smallbiznis/agentmeter/internal/server"
	"github.com/smallbiznis/agentmeter/internal/subscription"
	"github.com/smallbiznis/agentmeter/internal/usage"
	"github.com/smallbiznis/agentmeter/internal/usagestats"
	"github.com/smallbiznis/agentmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		redisclient.Module,
		clock.Module,

		// Functional Domains
		subscription.Module,
		usage.Module,
		usagestats.Module,
		billingsync.Module,
		scheduler.Module,

		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
