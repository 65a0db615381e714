package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrJobNotFound   = errors.New("job_not_found")
	ErrInvalidRows   = errors.New("invalid_row_count")
	ErrInvalidCost   = errors.New("invalid_cost")
	ErrJobNotRunning = errors.New("job_not_running")
)

type JobStatus string

const (
	// JobStatusPending is the freshly created, not yet funded state. Pollers
	// never see pending jobs; the status flips to queued only after the
	// credit deduction applied.
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// ClaimOutcome reports whether this claimant owns the job. Losers do nothing.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed        ClaimOutcome = "claimed"
	ClaimOutcomeAlreadyClaimed ClaimOutcome = "already_claimed"
)

// JobMeta is the typed shape of the jobs.meta JSON column. It is serialized
// at the storage boundary only. The deducted/refunded flags are a cache of
// the job's ledger guard rows; anything that must be correct across a crash
// reads the guard rows, not the flags.
type JobMeta struct {
	CreditCost      int64 `json:"credit_cost"`
	CreditsDeducted bool  `json:"credits_deducted"`
	CreditsRefunded bool  `json:"credits_refunded"`
	TotalRows       int64 `json:"total_rows"`
}

// Job is a unit of spreadsheet work. RowsProcessed is monotonically
// non-decreasing; status moves pending -> queued once funded and
// queued -> in_progress exactly once.
type Job struct {
	ID              snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	UserID          snowflake.ID   `gorm:"not null;index"`
	Status          JobStatus      `gorm:"type:text;not null;index"`
	RowsProcessed   int64          `gorm:"not null;default:0"`
	ProgressPercent int            `gorm:"not null;default:0"`
	Meta            datatypes.JSON `gorm:"type:json"`
	FailureReason   string         `gorm:"type:text;not null;default:''"`
	ClaimedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) DecodeMeta() (JobMeta, error) {
	var meta JobMeta
	if len(j.Meta) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(j.Meta, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (j *Job) EncodeMeta(meta JobMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	j.Meta = datatypes.JSON(raw)
	return nil
}

// Candidate is the minimal descriptor handed to pollers. Delivery is
// at-least-once; the claim's conditional update arbitrates ownership.
type Candidate struct {
	ID     snowflake.ID
	UserID snowflake.ID
}

// Queue hands freshly submitted jobs to the worker pool. Implementations may
// drop on overflow; pollers rescan the jobs table for anything missed.
type Queue interface {
	Enqueue(ctx context.Context, candidate Candidate) error
}

type Service interface {
	Submit(ctx context.Context, userID snowflake.ID, totalRows, costPerRow int64) (*Job, error)
	Get(ctx context.Context, jobID snowflake.ID) (*Job, error)

	Claim(ctx context.Context, jobID snowflake.ID) (ClaimOutcome, error)
	Complete(ctx context.Context, jobID snowflake.ID) error
	Fail(ctx context.Context, jobID snowflake.ID, reason string) error

	FetchQueuedCandidates(ctx context.Context, limit int) ([]Candidate, error)
}
