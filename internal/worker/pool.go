package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/config"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	"github.com/rowglow/rowledger/internal/lock"
	"github.com/rowglow/rowledger/internal/progress"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Rows reported per shared-counter write. Keeps progress visible without
// hammering the jobs row on every processed row.
const reportBatch = 25

type Params struct {
	fx.In

	Log        *zap.Logger
	JobSvc     jobdomain.Service
	Aggregator *progress.Aggregator
	Processor  RowProcessor
	Queue      *Queue
	Cfg        config.Config
}

// Pool runs the queue pollers. Each poller races the others to claim
// candidates; the winner fans the job's rows out to sub-workers and settles
// the job's terminal state.
type Pool struct {
	log        *zap.Logger
	jobSvc     jobdomain.Service
	aggregator *progress.Aggregator
	processor  RowProcessor
	queue      *Queue
	cfg        config.WorkerConfig
}

func NewPool(p Params) *Pool {
	return &Pool{
		log:        p.Log.Named("worker.pool"),
		jobSvc:     p.JobSvc,
		aggregator: p.Aggregator,
		processor:  p.Processor,
		queue:      p.Queue,
		cfg:        p.Cfg.Worker,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	pollers := p.cfg.Pollers
	if pollers <= 0 {
		pollers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runPoller(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runPoller(ctx context.Context, id int) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := p.log.With(zap.Int("poller", id))
	for {
		select {
		case <-ctx.Done():
			return
		case candidate := <-p.queue.Candidates():
			p.runCandidate(ctx, log, candidate)
		case <-ticker.C:
			candidates, err := p.jobSvc.FetchQueuedCandidates(ctx, p.cfg.BatchSize)
			if err != nil {
				log.Warn("candidate scan failed", zap.Error(err))
				continue
			}
			for _, candidate := range candidates {
				p.runCandidate(ctx, log, candidate)
			}
		}
	}
}

func (p *Pool) runCandidate(ctx context.Context, log *zap.Logger, candidate jobdomain.Candidate) {
	outcome, err := p.jobSvc.Claim(ctx, candidate.ID)
	if err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			return
		}
		log.Warn("claim failed", zap.String("job_id", candidate.ID.String()), zap.Error(err))
		return
	}
	if outcome != jobdomain.ClaimOutcomeClaimed {
		return
	}

	if err := p.runJob(ctx, candidate.ID); err != nil {
		log.Warn("job failed", zap.String("job_id", candidate.ID.String()), zap.Error(err))
		if failErr := p.jobSvc.Fail(ctx, candidate.ID, err.Error()); failErr != nil {
			log.Error("failed to settle failed job", zap.String("job_id", candidate.ID.String()), zap.Error(failErr))
			return
		}
		p.aggregator.PublishStatus(candidate.ID, string(jobdomain.JobStatusFailed), 0, err.Error())
	}
}

// runJob splits the job's rows across sub-workers. Each sub-worker reports
// through its own baseline so retries never double-count; the shared counter
// ends at the exact sum of increments.
func (p *Pool) runJob(ctx context.Context, jobID snowflake.ID) error {
	job, err := p.jobSvc.Get(ctx, jobID)
	if err != nil {
		return err
	}
	meta, err := job.DecodeMeta()
	if err != nil {
		return err
	}
	totalRows := meta.TotalRows
	if totalRows <= 0 {
		return fmt.Errorf("job %s has no rows", jobID)
	}

	subWorkers := p.cfg.SubWorkers
	if subWorkers <= 0 {
		subWorkers = 1
	}
	if int64(subWorkers) > totalRows {
		subWorkers = int(totalRows)
	}

	chunk := totalRows / int64(subWorkers)
	remainder := totalRows % int64(subWorkers)

	var wg sync.WaitGroup
	errCh := make(chan error, subWorkers)
	var start int64
	for i := 0; i < subWorkers; i++ {
		size := chunk
		if int64(i) < remainder {
			size++
		}
		from, to := start, start+size
		start = to

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runSubWorker(ctx, jobID, totalRows, from, to); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}

	if err := p.jobSvc.Complete(ctx, jobID); err != nil {
		return err
	}
	p.aggregator.PublishStatus(jobID, string(jobdomain.JobStatusSucceeded), 100, "")
	return nil
}

func (p *Pool) runSubWorker(ctx context.Context, jobID snowflake.ID, totalRows, from, to int64) error {
	reporter := p.aggregator.NewReporter(jobID, totalRows)
	var done int64

	for row := from; row < to; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processor.ProcessRow(ctx, jobID, row); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		done++
		if done%reportBatch == 0 {
			if _, err := reporter.Report(ctx, done); err != nil {
				return err
			}
		}
	}

	_, err := reporter.Report(ctx, done)
	return err
}

var Module = fx.Module("worker",
	fx.Provide(NewQueue),
	fx.Provide(func(q *Queue) jobdomain.Queue { return q }),
	fx.Provide(func() RowProcessor { return NopProcessor{} }),
	fx.Provide(NewPool),
	fx.Invoke(registerPool),
)

func registerPool(lc fx.Lifecycle, pool *Pool) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				pool.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
