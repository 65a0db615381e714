package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"github.com/rowglow/rowledger/internal/lock"
	"github.com/rowglow/rowledger/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
	Events    eventdomain.Service
	Locker    *lock.Locker     `optional:"true"`
	Queue     jobdomain.Queue  `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
	Cfg       config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	events    eventdomain.Service
	locker    *lock.Locker
	queue     jobdomain.Queue
	metrics   *metrics.Metrics
	lockCfg   config.LockConfig
}

func NewService(p Params) jobdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("job.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		events:    p.Events,
		locker:    p.Locker,
		queue:     p.Queue,
		metrics:   p.Metrics,
		lockCfg:   p.Cfg.Lock,
	}
}

// Submit creates the job in the non-dispatchable pending state, reserves its
// credit cost idempotently against the job id, and only then flips it to
// queued where the pollers can see it. Any deduction failure settles the job
// failed so unfunded work can never be claimed.
func (s *Service) Submit(ctx context.Context, userID snowflake.ID, totalRows, costPerRow int64) (*jobdomain.Job, error) {
	if totalRows <= 0 {
		return nil, jobdomain.ErrInvalidRows
	}
	if costPerRow <= 0 {
		return nil, jobdomain.ErrInvalidCost
	}
	cost := totalRows * costPerRow
	if cost/costPerRow != totalRows {
		return nil, jobdomain.ErrInvalidCost
	}

	now := s.clock.Now()
	job := &jobdomain.Job{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Status:    jobdomain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := job.EncodeMeta(jobdomain.JobMeta{
		CreditCost: cost,
		TotalRows:  totalRows,
	}); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := s.ledgerSvc.DeductForJob(ctx, job.ID, userID, cost); err != nil {
		reason := "credit deduction failed"
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			reason = "insufficient credits"
		}
		if failErr := s.markFailed(ctx, job.ID, reason); failErr != nil {
			s.log.Warn("failed to settle unfunded job", zap.String("job_id", job.ID.String()), zap.Error(failErr))
		}
		return nil, err
	}

	meta, err := job.DecodeMeta()
	if err != nil {
		return nil, err
	}
	meta.CreditsDeducted = true
	if err := s.updateMeta(ctx, job.ID, meta); err != nil {
		return nil, err
	}
	_ = job.EncodeMeta(meta)

	if err := s.dispatch(ctx, job.ID); err != nil {
		return nil, err
	}
	job.Status = jobdomain.JobStatusQueued

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, jobdomain.Candidate{ID: job.ID, UserID: userID}); err != nil {
			s.log.Warn("enqueue failed, pollers will pick the job up", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	return job, nil
}

// dispatch flips a funded job into the poller-visible queued state.
func (s *Service) dispatch(ctx context.Context, jobID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		jobdomain.JobStatusQueued,
		now,
		jobID,
		jobdomain.JobStatusPending,
	)
	if result.Error != nil {
		return fmt.Errorf("dispatch job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return jobdomain.ErrJobNotRunning
	}
	return nil
}

func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobdomain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Claim transitions the job from queued to in_progress exactly once. The
// per-job named mutex keeps racing claimants from interleaving; the
// conditional update is the source of truth for ownership either way.
func (s *Service) Claim(ctx context.Context, jobID snowflake.ID) (jobdomain.ClaimOutcome, error) {
	if s.locker != nil {
		lockKey := fmt.Sprintf("job:claim:%s", jobID)
		start := time.Now()
		token, err := s.locker.Acquire(ctx, lockKey, s.lockCfg.TTL, s.lockCfg.WaitTimeout)
		s.metrics.ObserveLockWait(time.Since(start).Seconds())
		if err != nil {
			return "", err
		}
		defer func() {
			if relErr := s.locker.Release(ctx, lockKey, token); relErr != nil {
				s.log.Warn("failed to release claim lock", zap.String("key", lockKey), zap.Error(relErr))
			}
		}()
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		jobdomain.JobStatusInProgress,
		now,
		now,
		jobID,
		jobdomain.JobStatusQueued,
	)
	if result.Error != nil {
		return "", fmt.Errorf("claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.metrics.IncClaimOutcome(string(jobdomain.ClaimOutcomeAlreadyClaimed))
		return jobdomain.ClaimOutcomeAlreadyClaimed, nil
	}
	s.metrics.IncClaimOutcome(string(jobdomain.ClaimOutcomeClaimed))
	return jobdomain.ClaimOutcomeClaimed, nil
}

// Complete marks an in_progress job succeeded. Idempotent; a job already in
// a terminal state is left untouched.
func (s *Service) Complete(ctx context.Context, jobID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		jobdomain.JobStatusSucceeded,
		now,
		now,
		jobID,
		jobdomain.JobStatusInProgress,
	)
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail refunds the job's credits idempotently, then moves it to failed.
// Whether a refund is owed is read from the ledger guard rows, not the meta
// flags: the flags are written outside the deduction transaction, so a crash
// can leave them stale. The refund and the status transition are
// independently guarded, so a crash between them is recoverable by calling
// Fail again.
func (s *Service) Fail(ctx context.Context, jobID snowflake.ID, reason string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobdomain.JobStatusSucceeded {
		return jobdomain.ErrJobNotRunning
	}
	meta, err := job.DecodeMeta()
	if err != nil {
		return err
	}

	if meta.CreditCost > 0 {
		deducted, err := s.events.HasJobEvent(ctx, jobID, eventdomain.JobEventDeduction)
		if err != nil {
			return err
		}
		refunded, err := s.events.HasJobEvent(ctx, jobID, eventdomain.JobEventRefund)
		if err != nil {
			return err
		}
		if deducted && !refunded {
			if _, err := s.ledgerSvc.Refund(ctx, jobID, job.UserID, meta.CreditCost, reason); err != nil {
				return err
			}
			meta.CreditsDeducted = true
			meta.CreditsRefunded = true
			if err := s.updateMeta(ctx, jobID, meta); err != nil {
				return err
			}
		}
	}

	return s.markFailed(ctx, jobID, reason)
}

// FetchQueuedCandidates scans for queued jobs the in-process queue may have
// dropped. No row locks are taken; the claim's conditional update arbitrates
// when several pollers see the same candidate.
func (s *Service) FetchQueuedCandidates(ctx context.Context, limit int) ([]jobdomain.Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	var candidates []jobdomain.Candidate
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id
		 FROM jobs
		 WHERE status = ?
		 ORDER BY id
		 LIMIT ?`,
		jobdomain.JobStatusQueued,
		limit,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func (s *Service) markFailed(ctx context.Context, jobID snowflake.ID, reason string) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, failure_reason = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		jobdomain.JobStatusFailed,
		reason,
		now,
		now,
		jobID,
		jobdomain.JobStatusPending,
		jobdomain.JobStatusQueued,
		jobdomain.JobStatusInProgress,
	)
	if result.Error != nil {
		return fmt.Errorf("fail job: %w", result.Error)
	}
	return nil
}

func (s *Service) updateMeta(ctx context.Context, jobID snowflake.ID, meta jobdomain.JobMeta) error {
	carrier := jobdomain.Job{}
	if err := carrier.EncodeMeta(meta); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET meta = ?, updated_at = ? WHERE id = ?`,
		carrier.Meta,
		s.clock.Now(),
		jobID,
	).Error
}
