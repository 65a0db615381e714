package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"github.com/rowglow/rowledger/internal/lock"
	"github.com/rowglow/rowledger/internal/metrics"
	"github.com/rowglow/rowledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errDuplicateEvent aborts the entry transaction when the idempotency guard
// reports the event was already applied by another writer.
var errDuplicateEvent = errors.New("duplicate_ledger_event")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Events  eventdomain.Service
	Locker  *lock.Locker     `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Cfg     config.Config
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	events  eventdomain.Service
	locker  *lock.Locker
	metrics *metrics.Metrics
	cfg     config.LedgerConfig
	lockCfg config.LockConfig
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		events:  p.Events,
		locker:  p.Locker,
		metrics: p.Metrics,
		cfg:     p.Cfg.Ledger,
		lockCfg: p.Cfg.Lock,
	}
}

func (s *Service) EnsureAccount(ctx context.Context, userID snowflake.ID, planType string) error {
	if userID == 0 {
		return ledgerdomain.ErrAccountNotFound
	}
	now := s.clock.Now()
	account := ledgerdomain.Account{
		ID:        s.genID.Generate(),
		UserID:    userID,
		PlanType:  strings.TrimSpace(planType),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return nil
		}
		return fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, result.Error)
	}
	return nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (ledgerdomain.Balance, error) {
	var account ledgerdomain.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.Balance{}, ledgerdomain.ErrAccountNotFound
		}
		return ledgerdomain.Balance{}, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, err)
	}
	return ledgerdomain.Balance{
		SubscriptionCredits: account.SubscriptionCredits,
		AddonCredits:        account.AddonCredits,
	}, nil
}

// Reserve debits amount against the caller-supplied idempotency key. The
// per-user mutex coarsely serializes reservations; the conditional write in
// updateAccount stays the safety net even when the mutex is skipped or has
// expired.
func (s *Service) Reserve(ctx context.Context, userID snowflake.ID, amount int64, idempotencyKey string) (ledgerdomain.Reservation, error) {
	if amount <= 0 {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(idempotencyKey)

	if s.locker != nil {
		lockKey := fmt.Sprintf("ledger:user:%s", userID)
		start := time.Now()
		token, err := s.locker.Acquire(ctx, lockKey, s.lockCfg.TTL, s.lockCfg.WaitTimeout)
		s.metrics.ObserveLockWait(time.Since(start).Seconds())
		if err != nil {
			s.metrics.IncLedgerOperation("reserve", "lock_unavailable")
			return ledgerdomain.Reservation{}, err
		}
		defer func() {
			if relErr := s.locker.Release(ctx, lockKey, token); relErr != nil {
				s.log.Warn("failed to release user lock", zap.String("key", lockKey), zap.Error(relErr))
			}
		}()
	}

	prev, next, err := s.debit(ctx, userID, amount)
	if err != nil {
		s.metrics.IncLedgerOperation("reserve", "error")
		return ledgerdomain.Reservation{}, err
	}

	duplicate := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := ledgerdomain.LedgerEntry{
			ID:        s.genID.Generate(),
			UserID:    userID,
			Change:    -amount,
			Reason:    "credit reservation",
			CreatedAt: s.clock.Now(),
		}
		if key != "" {
			entry.ExternalID = &key
		}
		if err := tx.Create(&entry).Error; err != nil {
			if key != "" && db.IsDuplicateKeyErr(err) {
				duplicate = true
				return errDuplicateEvent
			}
			return err
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, errDuplicateEvent) {
		s.compensate(ctx, userID, amount)
		s.metrics.IncLedgerOperation("reserve", "error")
		return ledgerdomain.Reservation{}, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, txErr)
	}
	if duplicate {
		s.compensate(ctx, userID, amount)
		s.metrics.IncLedgerOperation("reserve", "already_applied")
		return ledgerdomain.Reservation{
			Outcome:         ledgerdomain.OutcomeAlreadyApplied,
			PreviousBalance: prev.Total(),
			NewBalance:      prev.Total(),
		}, nil
	}

	s.metrics.IncLedgerOperation("reserve", "applied")
	return ledgerdomain.Reservation{
		Outcome:         ledgerdomain.OutcomeApplied,
		PreviousBalance: prev.Total(),
		NewBalance:      next.Total(),
	}, nil
}

func (s *Service) DeductForJob(ctx context.Context, jobID, userID snowflake.ID, amount int64) (ledgerdomain.Reservation, error) {
	if amount <= 0 {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidAmount
	}

	prev, next, err := s.debit(ctx, userID, amount)
	if err != nil {
		s.metrics.IncLedgerOperation("deduct", "error")
		return ledgerdomain.Reservation{}, err
	}

	_, duplicate, err := s.recordJobEntry(ctx, jobID, userID, -amount,
		fmt.Sprintf("job %s deduction", jobID), eventdomain.JobEventDeduction)
	if err != nil {
		s.compensate(ctx, userID, amount)
		s.metrics.IncLedgerOperation("deduct", "error")
		return ledgerdomain.Reservation{}, err
	}
	if duplicate {
		s.compensate(ctx, userID, amount)
		s.metrics.IncLedgerOperation("deduct", "already_applied")
		return ledgerdomain.Reservation{
			Outcome:         ledgerdomain.OutcomeAlreadyApplied,
			PreviousBalance: prev.Total(),
			NewBalance:      prev.Total(),
		}, nil
	}

	s.metrics.IncLedgerOperation("deduct", "applied")
	return ledgerdomain.Reservation{
		Outcome:         ledgerdomain.OutcomeApplied,
		PreviousBalance: prev.Total(),
		NewBalance:      next.Total(),
	}, nil
}

func (s *Service) Refund(ctx context.Context, jobID, userID snowflake.ID, amount int64, reason string) (ledgerdomain.Outcome, error) {
	if amount <= 0 {
		return "", ledgerdomain.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = fmt.Sprintf("job %s refund", jobID)
	}

	_, _, err := s.updateAccount(ctx, userID, func(sub, addon int64) (int64, int64, error) {
		newSub, newAddon := ledgerdomain.Restore(sub, addon, amount)
		return newSub, newAddon, nil
	})
	if err != nil {
		s.metrics.IncLedgerOperation("refund", "error")
		return "", err
	}

	_, duplicate, err := s.recordJobEntry(ctx, jobID, userID, amount, reason, eventdomain.JobEventRefund)
	if err != nil {
		s.compensate(ctx, userID, -amount)
		s.metrics.IncLedgerOperation("refund", "error")
		return "", err
	}
	if duplicate {
		s.compensate(ctx, userID, -amount)
		s.metrics.IncLedgerOperation("refund", "already_applied")
		return ledgerdomain.OutcomeAlreadyApplied, nil
	}

	s.metrics.IncLedgerOperation("refund", "applied")
	return ledgerdomain.OutcomeApplied, nil
}

func (s *Service) Grant(ctx context.Context, userID snowflake.ID, amount int64, bucket ledgerdomain.Bucket, reason, externalID string) (ledgerdomain.Outcome, error) {
	if amount <= 0 {
		return "", ledgerdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(externalID)

	_, _, err := s.updateAccount(ctx, userID, func(sub, addon int64) (int64, int64, error) {
		newSub, newAddon := ledgerdomain.GrantTo(sub, addon, amount, bucket)
		return newSub, newAddon, nil
	})
	if err != nil {
		s.metrics.IncLedgerOperation("grant", "error")
		return "", err
	}

	duplicate, err := s.recordExternalEntry(ctx, userID, amount, reason, key)
	if err != nil {
		s.compensate(ctx, userID, -amount)
		s.metrics.IncLedgerOperation("grant", "error")
		return "", err
	}
	if duplicate {
		s.compensate(ctx, userID, -amount)
		s.metrics.IncLedgerOperation("grant", "already_applied")
		return ledgerdomain.OutcomeAlreadyApplied, nil
	}

	s.metrics.IncLedgerOperation("grant", "applied")
	return ledgerdomain.OutcomeApplied, nil
}

// RenewSubscription resets the subscription bucket to the plan's allotment.
// The addon bucket is untouched; unused subscription credits do not carry
// over, so the recorded change can be negative.
func (s *Service) RenewSubscription(ctx context.Context, userID snowflake.ID, planCredits int64, externalID string) (ledgerdomain.Outcome, error) {
	if planCredits < 0 {
		return "", ledgerdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(externalID)

	prev, next, err := s.updateAccount(ctx, userID, func(sub, addon int64) (int64, int64, error) {
		return planCredits, addon, nil
	})
	if err != nil {
		s.metrics.IncLedgerOperation("renew", "error")
		return "", err
	}
	change := next.Total() - prev.Total()

	duplicate, err := s.recordExternalEntry(ctx, userID, change, "subscription renewal", key)
	if err != nil {
		s.compensate(ctx, userID, -change)
		s.metrics.IncLedgerOperation("renew", "error")
		return "", err
	}
	if duplicate {
		s.compensate(ctx, userID, -change)
		s.metrics.IncLedgerOperation("renew", "already_applied")
		return ledgerdomain.OutcomeAlreadyApplied, nil
	}

	s.metrics.IncLedgerOperation("renew", "applied")
	return ledgerdomain.OutcomeApplied, nil
}

func (s *Service) debit(ctx context.Context, userID snowflake.ID, amount int64) (ledgerdomain.Balance, ledgerdomain.Balance, error) {
	return s.updateAccount(ctx, userID, func(sub, addon int64) (int64, int64, error) {
		newSub, newAddon, ok := ledgerdomain.DrawDown(sub, addon, amount)
		if !ok {
			return 0, 0, &ledgerdomain.InsufficientCreditsError{
				Balance:   sub + addon,
				Required:  amount,
				Shortfall: amount - (sub + addon),
			}
		}
		return newSub, newAddon, nil
	})
}

// updateAccount runs the optimistic read/compute/conditional-write loop. The
// write succeeds only if both credit fields still hold the values read in
// this attempt; a zero-row update means another writer won and the loop
// retries with jittered backoff up to the configured budget.
func (s *Service) updateAccount(
	ctx context.Context,
	userID snowflake.ID,
	apply func(sub, addon int64) (int64, int64, error),
) (ledgerdomain.Balance, ledgerdomain.Balance, error) {
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}

	for attempt := 0; attempt < attempts; attempt++ {
		var account ledgerdomain.Account
		if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgerdomain.Balance{}, ledgerdomain.Balance{}, ledgerdomain.ErrAccountNotFound
			}
			return ledgerdomain.Balance{}, ledgerdomain.Balance{}, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, err)
		}

		prev := ledgerdomain.Balance{
			SubscriptionCredits: account.SubscriptionCredits,
			AddonCredits:        account.AddonCredits,
		}
		newSub, newAddon, err := apply(prev.SubscriptionCredits, prev.AddonCredits)
		if err != nil {
			return prev, prev, err
		}

		result := s.db.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET subscription_credits = ?, addon_credits = ?, updated_at = ?
			 WHERE id = ? AND subscription_credits = ? AND addon_credits = ?`,
			newSub,
			newAddon,
			s.clock.Now(),
			account.ID,
			prev.SubscriptionCredits,
			prev.AddonCredits,
		)
		if result.Error != nil {
			return ledgerdomain.Balance{}, ledgerdomain.Balance{}, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, result.Error)
		}
		if result.RowsAffected > 0 {
			return prev, ledgerdomain.Balance{SubscriptionCredits: newSub, AddonCredits: newAddon}, nil
		}

		s.metrics.IncCASRetry("account")
		s.sleepBackoff(ctx, attempt)
	}

	return ledgerdomain.Balance{}, ledgerdomain.Balance{}, ledgerdomain.ErrTransientConflict
}

// recordJobEntry appends the ledger entry and its (job, event type) guard in
// one transaction. A guard conflict rolls the entry back and reports a
// duplicate so the caller can compensate the balance.
func (s *Service) recordJobEntry(
	ctx context.Context,
	jobID, userID snowflake.ID,
	change int64,
	reason string,
	eventType eventdomain.JobEventType,
) (snowflake.ID, bool, error) {
	entryID := s.genID.Generate()
	duplicate := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := ledgerdomain.LedgerEntry{
			ID:        entryID,
			UserID:    userID,
			Change:    change,
			Reason:    reason,
			CreatedAt: s.clock.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		outcome, err := s.events.RecordJobEvent(ctx, tx, jobID, eventType, entryID)
		if err != nil {
			return err
		}
		if outcome == eventdomain.OutcomeAlreadyApplied {
			duplicate = true
			return errDuplicateEvent
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDuplicateEvent) {
		return 0, false, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, err)
	}
	return entryID, duplicate, nil
}

func (s *Service) recordExternalEntry(ctx context.Context, userID snowflake.ID, change int64, reason, externalID string) (bool, error) {
	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := ledgerdomain.LedgerEntry{
			ID:        s.genID.Generate(),
			UserID:    userID,
			Change:    change,
			Reason:    reason,
			CreatedAt: s.clock.Now(),
		}
		if externalID != "" {
			entry.ExternalID = &externalID
		}
		if err := tx.Create(&entry).Error; err != nil {
			if externalID != "" && db.IsDuplicateKeyErr(err) {
				duplicate = true
				return errDuplicateEvent
			}
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDuplicateEvent) {
		return false, fmt.Errorf("%w: %v", ledgerdomain.ErrStoreUnavailable, err)
	}
	return duplicate, nil
}

// compensate issues the inverse delta after a narrow race: the balance was
// mutated but the idempotency guard showed the event already applied. A
// positive delta restores credits, a negative one re-debits them.
func (s *Service) compensate(ctx context.Context, userID snowflake.ID, delta int64) {
	if delta == 0 {
		return
	}
	_, _, err := s.updateAccount(ctx, userID, func(sub, addon int64) (int64, int64, error) {
		if delta > 0 {
			newSub, newAddon := ledgerdomain.Restore(sub, addon, delta)
			return newSub, newAddon, nil
		}
		newSub, newAddon, ok := ledgerdomain.DrawDown(sub, addon, -delta)
		if !ok {
			return 0, 0, &ledgerdomain.InsufficientCreditsError{
				Balance:   sub + addon,
				Required:  -delta,
				Shortfall: -delta - (sub + addon),
			}
		}
		return newSub, newAddon, nil
	})
	if err != nil {
		s.log.Error("compensating balance write failed",
			zap.String("user_id", userID.String()),
			zap.Int64("delta", delta),
			zap.Error(err),
		)
	}
}

func (s *Service) sleepBackoff(ctx context.Context, attempt int) {
	base := s.cfg.RetryDelay
	if base <= 0 {
		base = 20 * time.Millisecond
	}
	delay := base*time.Duration(attempt+1) + time.Duration(rand.Int63n(int64(base)+1))

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
