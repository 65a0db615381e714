package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	"github.com/rowglow/rowledger/internal/eventstore"
	"github.com/rowglow/rowledger/internal/job"
	"github.com/rowglow/rowledger/internal/ledger"
	"github.com/rowglow/rowledger/internal/lock"
	"github.com/rowglow/rowledger/internal/logger"
	"github.com/rowglow/rowledger/internal/metrics"
	"github.com/rowglow/rowledger/internal/migration"
	"github.com/rowglow/rowledger/internal/progress"
	"github.com/rowglow/rowledger/internal/server"
	"github.com/rowglow/rowledger/internal/webhook"
	"github.com/rowglow/rowledger/internal/worker"
	"github.com/rowglow/rowledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(NewSnowflakeNode),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// accounting and dispatch
		eventstore.Module,
		ledger.Module,
		job.Module,
		progress.Module,
		worker.Module,
		webhook.Module,

		server.Module,
	)
	app.Run()
}

func NewSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
