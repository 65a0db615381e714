package migration

import (
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Run creates the core tables on startup so the service is usable out of
// the box for local and self-hosted environments.
func Run(db *gorm.DB) error {
	return db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&eventdomain.WebhookEvent{},
		&eventdomain.JobLedgerEvent{},
		&jobdomain.Job{},
	)
}

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)
