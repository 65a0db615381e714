package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	"github.com/rowglow/rowledger/internal/metrics"
	"github.com/rowglow/rowledger/internal/progress/hub"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrConflict means the conditional-write budget was exhausted; the reported
// increment was not applied and the caller should retry it.
var ErrConflict = errors.New("progress_conflict")

// Delta is the result of one progress report.
type Delta struct {
	NoOp          bool
	Rows          int64
	RowsProcessed int64
	Percent       int
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Hub     *hub.Hub         `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Cfg     config.Config
}

// Aggregator merges row-completion counts reported by concurrent sub-workers
// into the shared jobs.rows_processed counter. Increments are additive and
// never lost; notification is best-effort.
type Aggregator struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	hub     *hub.Hub
	metrics *metrics.Metrics
	cfg     config.LedgerConfig
}

func NewAggregator(p Params) *Aggregator {
	return &Aggregator{
		db:      p.DB,
		log:     p.Log.Named("progress.aggregator"),
		clock:   p.Clock,
		hub:     p.Hub,
		metrics: p.Metrics,
		cfg:     p.Cfg.Ledger,
	}
}

// AddRows applies a positive row increment with the same
// read/compute/conditional-write loop the ledger uses. A zero or negative
// increment is a NoOp and generates no write traffic.
func (a *Aggregator) AddRows(ctx context.Context, jobID snowflake.ID, increment, totalRows int64) (Delta, error) {
	if increment <= 0 {
		a.metrics.IncProgressReport("noop")
		return Delta{NoOp: true}, nil
	}

	attempts := a.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}

	for attempt := 0; attempt < attempts; attempt++ {
		var current struct {
			RowsProcessed int64
		}
		row := a.db.WithContext(ctx).Raw(
			`SELECT rows_processed FROM jobs WHERE id = ?`, jobID,
		).Scan(&current)
		if row.Error != nil {
			a.metrics.IncProgressReport("error")
			return Delta{}, fmt.Errorf("read progress: %w", row.Error)
		}
		if row.RowsAffected == 0 {
			a.metrics.IncProgressReport("error")
			return Delta{}, jobdomain.ErrJobNotFound
		}

		newRows := current.RowsProcessed + increment
		percent := computePercent(newRows, totalRows)

		result := a.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET rows_processed = ?, progress_percent = ?, updated_at = ?
			 WHERE id = ? AND rows_processed = ?`,
			newRows,
			percent,
			a.clock.Now(),
			jobID,
			current.RowsProcessed,
		)
		if result.Error != nil {
			a.metrics.IncProgressReport("error")
			return Delta{}, fmt.Errorf("write progress: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			a.metrics.IncProgressReport("applied")
			// Increment events carry no status: the job can settle between
			// the read and this publish, and only PublishStatus callers know
			// the true terminal state.
			a.publish(jobID, "", percent, "")
			return Delta{
				Rows:          increment,
				RowsProcessed: newRows,
				Percent:       percent,
			}, nil
		}

		a.metrics.IncCASRetry("job_progress")
		a.sleepBackoff(ctx, attempt)
	}

	a.metrics.IncProgressReport("conflict")
	return Delta{}, ErrConflict
}

// PublishStatus pushes a terminal or informational event for a job. Delivery
// is fire-and-forget.
func (a *Aggregator) PublishStatus(jobID snowflake.ID, status string, percent int, message string) {
	a.publish(jobID, status, percent, message)
}

func (a *Aggregator) publish(jobID snowflake.ID, status string, percent int, message string) {
	if a.hub == nil {
		return
	}
	a.hub.Publish(jobID.String(), hub.Event{
		JobID:   jobID.String(),
		Status:  status,
		Percent: percent,
		Message: message,
	})
}

func (a *Aggregator) sleepBackoff(ctx context.Context, attempt int) {
	base := a.cfg.RetryDelay
	if base <= 0 {
		base = 20 * time.Millisecond
	}
	delay := base*time.Duration(attempt+1) + time.Duration(rand.Int63n(int64(base)+1))

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func computePercent(rows, totalRows int64) int {
	if totalRows <= 0 {
		return 0
	}
	percent := int(100 * rows / totalRows)
	if percent > 100 {
		percent = 100
	}
	return percent
}

var Module = fx.Module("progress",
	fx.Provide(hub.NewHub),
	fx.Provide(NewAggregator),
)
