package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	"github.com/rowglow/rowledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) eventdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("eventstore.service"),
		clock: p.Clock,
	}
}

func (s *Service) RecordWebhook(ctx context.Context, eventID, eventType string) (eventdomain.Outcome, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", fmt.Errorf("%w: empty event id", eventdomain.ErrStoreUnavailable)
	}

	event := eventdomain.WebhookEvent{
		EventID:    eventID,
		Type:       strings.TrimSpace(eventType),
		ReceivedAt: s.clock.Now(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return eventdomain.OutcomeAlreadyApplied, nil
		}
		return "", fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return eventdomain.OutcomeAlreadyApplied, nil
	}
	return eventdomain.OutcomeApplied, nil
}

func (s *Service) ReleaseWebhook(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&eventdomain.WebhookEvent{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) RecordJobEvent(
	ctx context.Context,
	tx *gorm.DB,
	jobID snowflake.ID,
	eventType eventdomain.JobEventType,
	ledgerEntryID snowflake.ID,
) (eventdomain.Outcome, error) {
	if tx == nil {
		tx = s.db
	}
	if jobID == 0 {
		return "", fmt.Errorf("%w: empty job id", eventdomain.ErrStoreUnavailable)
	}

	event := eventdomain.JobLedgerEvent{
		JobID:         jobID,
		EventType:     eventType,
		LedgerEntryID: ledgerEntryID,
		CreatedAt:     s.clock.Now(),
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return eventdomain.OutcomeAlreadyApplied, nil
		}
		return "", fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return eventdomain.OutcomeAlreadyApplied, nil
	}
	return eventdomain.OutcomeApplied, nil
}

func (s *Service) HasJobEvent(ctx context.Context, jobID snowflake.ID, eventType eventdomain.JobEventType) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&eventdomain.JobLedgerEvent{}).
		Where("job_id = ? AND event_type = ?", jobID, eventType).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	return count > 0, nil
}
