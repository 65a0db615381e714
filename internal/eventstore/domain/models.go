package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Outcome reports whether this caller applied the event or lost the race to
// an earlier (or concurrent) delivery.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// ErrStoreUnavailable signals a non-conflict insert failure. No ledger
// mutation may be assumed; the caller retries the whole operation.
var ErrStoreUnavailable = errors.New("event_store_unavailable")

// JobEventType scopes internally generated ledger events to a job.
type JobEventType string

const (
	JobEventDeduction JobEventType = "job_deduction"
	JobEventRefund    JobEventType = "job_refund"
)

// WebhookEvent dedupes externally delivered events by the provider's id.
type WebhookEvent struct {
	EventID    string    `gorm:"primaryKey;type:text"`
	Type       string    `gorm:"type:text;not null"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// JobLedgerEvent guards at most one ledger mutation per (job, event type)
// pair for the lifetime of the job.
type JobLedgerEvent struct {
	JobID         snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	EventType     JobEventType `gorm:"primaryKey;type:text"`
	LedgerEntryID snowflake.ID `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (JobLedgerEvent) TableName() string { return "job_ledger_events" }

// Service records events exactly once. Inserts are atomic
// insert-or-detect-conflict; of any number of racing callers exactly one
// sees OutcomeApplied.
type Service interface {
	RecordWebhook(ctx context.Context, eventID, eventType string) (Outcome, error)
	// ReleaseWebhook removes the guard row when the side effect behind an
	// Applied outcome failed, so the provider's retry can reapply it.
	ReleaseWebhook(ctx context.Context, eventID string) error
	RecordJobEvent(ctx context.Context, tx *gorm.DB, jobID snowflake.ID, eventType JobEventType, ledgerEntryID snowflake.ID) (Outcome, error)
	// HasJobEvent reports whether the (job, event type) guard row exists.
	// Crash recovery reads this rather than any cached flag.
	HasJobEvent(ctx context.Context, jobID snowflake.ID, eventType JobEventType) (bool, error)
}
