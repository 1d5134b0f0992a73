package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/checkledger/internal/batchrun"
	"github.com/smallbiznis/checkledger/internal/checks"
	"github.com/smallbiznis/checkledger/internal/clock"
	"github.com/smallbiznis/checkledger/internal/config"
	"github.com/smallbiznis/checkledger/internal/credit"
	"github.com/smallbiznis/checkledger/internal/dispatcher"
	"github.com/smallbiznis/checkledger/internal/migration"
	"github.com/smallbiznis/checkledger/internal/observability"
	"github.com/smallbiznis/checkledger/internal/orchestrator"
	"github.com/smallbiznis/checkledger/internal/ratelimit"
	"github.com/smallbiznis/checkledger/internal/server"
	"github.com/smallbiznis/checkledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		credit.Module,
		batchrun.Module,
		checks.Module,
		orchestrator.Module,
		dispatcher.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
