package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/solacelabs/talktime/internal/clock"
	"github.com/solacelabs/talktime/internal/config"
	"github.com/solacelabs/talktime/internal/credit"
	"github.com/solacelabs/talktime/internal/credit/sweep"
	"github.com/solacelabs/talktime/internal/entitlement"
	"github.com/solacelabs/talktime/internal/logger"
	"github.com/solacelabs/talktime/internal/migration"
	"github.com/solacelabs/talktime/internal/observability"
	"github.com/solacelabs/talktime/internal/server"
	"github.com/solacelabs/talktime/internal/session"
	"github.com/solacelabs/talktime/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		entitlement.Module,
		credit.Module,
		sweep.Module,
		session.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
