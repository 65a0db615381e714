package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound = errors.New("account_not_found")

	// ErrTransientConflict means the optimistic retry budget was exhausted.
	// The caller retries the whole operation; it is never silently dropped.
	ErrTransientConflict = errors.New("transient_conflict")

	// ErrStoreUnavailable means the backing store failed before the change
	// was durably recorded. Balances were not left mutated.
	ErrStoreUnavailable = errors.New("ledger_store_unavailable")

	ErrInsufficientCredits = errors.New("insufficient_credits")

	ErrInvalidAmount = errors.New("invalid_amount")
)

// InsufficientCreditsError carries enough detail for the caller to prompt a
// top-up. Matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Balance   int64
	Required  int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d, short %d", e.Balance, e.Required, e.Shortfall)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Outcome distinguishes a mutation applied by this caller from an idempotent
// duplicate. Duplicates are success-with-no-op, never errors.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// Bucket names the two credit pools on an account.
type Bucket string

const (
	BucketSubscription Bucket = "subscription"
	BucketAddon        Bucket = "addon"
)

// Account is the source of truth for a user's spendable balance. Both credit
// fields are always >= 0 and are mutated only through the ledger service.
type Account struct {
	ID                  snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID              snowflake.ID `gorm:"not null;uniqueIndex"`
	SubscriptionCredits int64        `gorm:"not null;default:0"`
	AddonCredits        int64        `gorm:"not null;default:0"`
	PlanType            string       `gorm:"type:text;not null;default:''"`
	SubscriptionStatus  string       `gorm:"type:text;not null;default:''"`
	CreatedAt           time.Time    `gorm:"not null"`
	UpdatedAt           time.Time    `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry is an append-only record of a single balance change. The sum of
// Change per user plus the starting balance equals the current balance.
type LedgerEntry struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID     snowflake.ID `gorm:"not null;index"`
	Change     int64        `gorm:"not null"`
	Reason     string       `gorm:"type:text;not null"`
	ExternalID *string      `gorm:"type:text;uniqueIndex"`
	CreatedAt  time.Time    `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Balance is a point-in-time read of both buckets.
type Balance struct {
	SubscriptionCredits int64 `json:"subscription_credits"`
	AddonCredits        int64 `json:"addon_credits"`
}

func (b Balance) Total() int64 { return b.SubscriptionCredits + b.AddonCredits }

// Reservation reports the balance movement of a debit.
type Reservation struct {
	Outcome         Outcome `json:"outcome"`
	PreviousBalance int64   `json:"previous_balance"`
	NewBalance      int64   `json:"new_balance"`
}

type Service interface {
	EnsureAccount(ctx context.Context, userID snowflake.ID, planType string) error
	Balance(ctx context.Context, userID snowflake.ID) (Balance, error)

	Reserve(ctx context.Context, userID snowflake.ID, amount int64, idempotencyKey string) (Reservation, error)
	DeductForJob(ctx context.Context, jobID, userID snowflake.ID, amount int64) (Reservation, error)
	Refund(ctx context.Context, jobID, userID snowflake.ID, amount int64, reason string) (Outcome, error)

	Grant(ctx context.Context, userID snowflake.ID, amount int64, bucket Bucket, reason, externalID string) (Outcome, error)
	RenewSubscription(ctx context.Context, userID snowflake.ID, planCredits int64, externalID string) (Outcome, error)
}
