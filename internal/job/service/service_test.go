package service

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	eventservice "github.com/rowglow/rowledger/internal/eventstore/service"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	ledgerservice "github.com/rowglow/rowledger/internal/ledger/service"
	"github.com/rowglow/rowledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type captureQueue struct {
	mu         sync.Mutex
	candidates []jobdomain.Candidate
}

func (q *captureQueue) Enqueue(_ context.Context, candidate jobdomain.Candidate) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.candidates = append(q.candidates, candidate)
	return nil
}

func (q *captureQueue) all() []jobdomain.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobdomain.Candidate(nil), q.candidates...)
}

type testHarness struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       clock.Clock
	cfg       config.Config
	queue     *captureQueue
	events    eventdomain.Service
	ledgerSvc ledgerdomain.Service
	jobSvc    jobdomain.Service
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db := testutil.OpenDB(t,
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&eventdomain.WebhookEvent{},
		&eventdomain.JobLedgerEvent{},
		&jobdomain.Job{},
	)
	node := testutil.NewNode(t)
	clk := clock.NewSystemClock()
	cfg := config.Config{
		Ledger: config.LedgerConfig{MaxAttempts: 25, RetryDelay: 2 * time.Millisecond},
	}

	events := eventservice.NewService(eventservice.Params{DB: db, Log: zap.NewNop(), Clock: clk})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Events: events,
		Cfg:    cfg,
	})
	queue := &captureQueue{}
	jobSvc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		LedgerSvc: ledgerSvc,
		Events:    events,
		Queue:     queue,
		Cfg:       cfg,
	})
	return &testHarness{
		db:        db,
		node:      node,
		clk:       clk,
		cfg:       cfg,
		queue:     queue,
		events:    events,
		ledgerSvc: ledgerSvc,
		jobSvc:    jobSvc,
	}
}

func (h *testHarness) seedAccount(t *testing.T, sub, addon int64) snowflake.ID {
	t.Helper()
	userID := h.node.Generate()
	require.NoError(t, h.db.Create(&ledgerdomain.Account{
		ID:                  h.node.Generate(),
		UserID:              userID,
		SubscriptionCredits: sub,
		AddonCredits:        addon,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}).Error)
	return userID
}

func (h *testHarness) balance(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	balance, err := h.ledgerSvc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance.Total()
}

func TestSubmit_DeductsAndEnqueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusQueued, job.Status)

	meta, err := job.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, int64(20), meta.CreditCost)
	assert.Equal(t, int64(10), meta.TotalRows)
	assert.True(t, meta.CreditsDeducted)
	assert.False(t, meta.CreditsRefunded)

	assert.Equal(t, int64(80), h.balance(t, userID))

	stored, err := h.jobSvc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusQueued, stored.Status)

	candidates := h.queue.all()
	require.Len(t, candidates, 1)
	assert.Equal(t, job.ID, candidates[0].ID)
	assert.Equal(t, userID, candidates[0].UserID)
}

// flakyLedger fails a configured number of deductions before delegating to
// the real service.
type flakyLedger struct {
	ledgerdomain.Service
	mu    sync.Mutex
	fails int
}

func (f *flakyLedger) DeductForJob(ctx context.Context, jobID, userID snowflake.ID, amount int64) (ledgerdomain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return ledgerdomain.Reservation{}, ledgerdomain.ErrStoreUnavailable
	}
	return f.Service.DeductForJob(ctx, jobID, userID, amount)
}

func TestSubmit_DeductionFailureNeverDispatchable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	flaky := &flakyLedger{Service: h.ledgerSvc, fails: 1}
	jobSvc := NewService(Params{
		DB:        h.db,
		Log:       zap.NewNop(),
		GenID:     h.node,
		Clock:     h.clk,
		LedgerSvc: flaky,
		Events:    h.events,
		Queue:     h.queue,
		Cfg:       h.cfg,
	})

	_, err := jobSvc.Submit(ctx, userID, 10, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerdomain.ErrStoreUnavailable)
	assert.Equal(t, int64(100), h.balance(t, userID))

	// The unfunded job must be invisible to pollers and unclaimable.
	candidates, err := jobSvc.FetchQueuedCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Empty(t, h.queue.all())

	var job jobdomain.Job
	require.NoError(t, h.db.First(&job, "user_id = ?", userID).Error)
	assert.Equal(t, jobdomain.JobStatusFailed, job.Status)
	assert.Equal(t, "credit deduction failed", job.FailureReason)

	outcome, err := jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.ClaimOutcomeAlreadyClaimed, outcome)
}

func TestSubmit_CostOverflowRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	_, err := h.jobSvc.Submit(ctx, userID, math.MaxInt64/2, 3)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidCost)

	var count int64
	require.NoError(t, h.db.Model(&jobdomain.Job{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(0), count, "rejected submissions leave no row behind")
	assert.Equal(t, int64(100), h.balance(t, userID))
}

func TestSubmit_InsufficientCreditsFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 5, 0)

	_, err := h.jobSvc.Submit(ctx, userID, 10, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	assert.Equal(t, int64(5), h.balance(t, userID))

	var job jobdomain.Job
	require.NoError(t, h.db.First(&job, "user_id = ?", userID).Error)
	assert.Equal(t, jobdomain.JobStatusFailed, job.Status)
	assert.Equal(t, "insufficient credits", job.FailureReason)
	assert.Empty(t, h.queue.all())
}

func TestSubmit_InvalidArgs(t *testing.T) {
	h := newHarness(t)
	userID := h.seedAccount(t, 100, 0)

	_, err := h.jobSvc.Submit(context.Background(), userID, 0, 2)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidRows)

	_, err = h.jobSvc.Submit(context.Background(), userID, 10, 0)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidCost)
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.jobSvc.Get(context.Background(), h.node.Generate())
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 1)
	require.NoError(t, err)

	const claimants = 6

	var wg sync.WaitGroup
	outcomes := make(chan jobdomain.ClaimOutcome, claimants)
	errCh := make(chan error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.jobSvc.Claim(ctx, job.ID)
			if err != nil {
				errCh <- err
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errCh)

	for err := range errCh {
		t.Fatalf("claim failed: %v", err)
	}
	claimed := 0
	for outcome := range outcomes {
		if outcome == jobdomain.ClaimOutcomeClaimed {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)

	// A late claimant after the race settles sees the same answer.
	outcome, err := h.jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.ClaimOutcomeAlreadyClaimed, outcome)

	current, err := h.jobSvc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusInProgress, current.Status)
	assert.NotNil(t, current.ClaimedAt)
}

func TestComplete_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 1)
	require.NoError(t, err)
	_, err = h.jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, h.jobSvc.Complete(ctx, job.ID))
	require.NoError(t, h.jobSvc.Complete(ctx, job.ID))

	current, err := h.jobSvc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusSucceeded, current.Status)
	assert.NotNil(t, current.FinishedAt)
	assert.Equal(t, int64(90), h.balance(t, userID), "completion keeps the deduction")
}

func TestFail_RefundsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 2)
	require.NoError(t, err)
	require.Equal(t, int64(80), h.balance(t, userID))
	_, err = h.jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, h.jobSvc.Fail(ctx, job.ID, "draft provider unavailable"))
	assert.Equal(t, int64(100), h.balance(t, userID))

	// A crash-retry of Fail must not refund again.
	require.NoError(t, h.jobSvc.Fail(ctx, job.ID, "draft provider unavailable"))
	assert.Equal(t, int64(100), h.balance(t, userID))

	current, err := h.jobSvc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusFailed, current.Status)
	assert.Equal(t, "draft provider unavailable", current.FailureReason)

	meta, err := current.DecodeMeta()
	require.NoError(t, err)
	assert.True(t, meta.CreditsRefunded)
}

func TestFail_RefundsDespiteStaleMetaFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 2)
	require.NoError(t, err)
	require.Equal(t, int64(80), h.balance(t, userID))
	_, err = h.jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)

	// A crash between the successful deduction and the meta write leaves the
	// cached flag false while the ledger guard row exists.
	carrier := jobdomain.Job{}
	require.NoError(t, carrier.EncodeMeta(jobdomain.JobMeta{
		CreditCost: 20,
		TotalRows:  10,
	}))
	require.NoError(t, h.db.Exec(`UPDATE jobs SET meta = ? WHERE id = ?`, carrier.Meta, job.ID).Error)

	require.NoError(t, h.jobSvc.Fail(ctx, job.ID, "worker crashed"))
	assert.Equal(t, int64(100), h.balance(t, userID), "refund owed is derived from the guard rows")

	current, err := h.jobSvc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusFailed, current.Status)

	// Retrying stays idempotent through the refund guard.
	require.NoError(t, h.jobSvc.Fail(ctx, job.ID, "worker crashed"))
	assert.Equal(t, int64(100), h.balance(t, userID))
}

func TestFail_SucceededJobRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	job, err := h.jobSvc.Submit(ctx, userID, 10, 1)
	require.NoError(t, err)
	_, err = h.jobSvc.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, h.jobSvc.Complete(ctx, job.ID))

	err = h.jobSvc.Fail(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, jobdomain.ErrJobNotRunning)
	assert.Equal(t, int64(90), h.balance(t, userID))
}

func TestFetchQueuedCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 100, 0)

	first, err := h.jobSvc.Submit(ctx, userID, 5, 1)
	require.NoError(t, err)
	second, err := h.jobSvc.Submit(ctx, userID, 5, 1)
	require.NoError(t, err)
	third, err := h.jobSvc.Submit(ctx, userID, 5, 1)
	require.NoError(t, err)

	_, err = h.jobSvc.Claim(ctx, first.ID)
	require.NoError(t, err)

	candidates, err := h.jobSvc.FetchQueuedCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, second.ID, candidates[0].ID)
	assert.Equal(t, third.ID, candidates[1].ID)
}
