package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
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
	"github.com/smallbiznis/checkledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// The scheduler replaces the external cron trigger: it runs the dispatcher in-process on a
// fixed schedule. No HTTP server.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		credit.Module,
		batchrun.Module,
		checks.Module,
		orchestrator.Module,
		dispatcher.Module,

		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func StartScheduler(lc fx.Lifecycle, cfg config.Config, d *dispatcher.Dispatcher, log *zap.Logger) error {
	log = log.Named("scheduler")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.AddFunc(cfg.Dispatch.Schedule, func() {
		res, err := d.Dispatch(ctx)
		if err != nil {
			log.Error("dispatch pass failed", zap.Error(err))
			return
		}
		if res.ProcessedRunID == "" {
			log.Debug("dispatch pass idle", zap.String("message", res.Message))
		}
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			log.Info("scheduler started", zap.String("schedule", cfg.Dispatch.Schedule))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-c.Stop().Done():
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}
