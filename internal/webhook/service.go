package webhook

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidEvent = errors.New("invalid_webhook_event")
	ErrInvalidUser  = errors.New("invalid_webhook_user")
)

const (
	EventCheckoutCompleted   = "checkout.completed"
	EventSubscriptionRenewed = "subscription.renewed"
)

// Ack tells the provider what happened. Replays acknowledge as duplicate
// rather than re-applying side effects.
type Ack string

const (
	AckProcessed Ack = "processed"
	AckDuplicate Ack = "duplicate"
	AckIgnored   Ack = "ignored"
)

// PaymentEvent is the normalized shape of a provider notification. Signature
// verification and provider-specific parsing happen upstream.
type PaymentEvent struct {
	ID      string `json:"id" binding:"required"`
	Type    string `json:"type" binding:"required"`
	UserID  string `json:"user_id" binding:"required"`
	Credits int64  `json:"credits"`
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Events    eventdomain.Service
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	log       *zap.Logger
	events    eventdomain.Service
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:       p.Log.Named("webhook.service"),
		events:    p.Events,
		ledgerSvc: p.LedgerSvc,
	}
}

// HandlePaymentEvent applies a provider event at most once. The guard row is
// taken first; if the ledger mutation behind it fails the guard is released
// so the provider's retry can reapply.
func (s *Service) HandlePaymentEvent(ctx context.Context, event PaymentEvent) (Ack, error) {
	eventID := strings.TrimSpace(event.ID)
	eventType := strings.TrimSpace(event.Type)
	if eventID == "" || eventType == "" {
		return "", ErrInvalidEvent
	}
	userID, err := parseUserID(event.UserID)
	if err != nil {
		return "", err
	}

	outcome, err := s.events.RecordWebhook(ctx, eventID, eventType)
	if err != nil {
		return "", err
	}
	if outcome == eventdomain.OutcomeAlreadyApplied {
		return AckDuplicate, nil
	}

	ack, err := s.apply(ctx, eventType, userID, event.Credits, eventID)
	if err != nil {
		if relErr := s.events.ReleaseWebhook(ctx, eventID); relErr != nil {
			s.log.Error("failed to release webhook guard",
				zap.String("event_id", eventID),
				zap.Error(relErr),
			)
		}
		return "", err
	}
	return ack, nil
}

func (s *Service) apply(ctx context.Context, eventType string, userID snowflake.ID, credits int64, eventID string) (Ack, error) {
	switch eventType {
	case EventCheckoutCompleted:
		_, err := s.ledgerSvc.Grant(ctx, userID, credits, ledgerdomain.BucketAddon, "credit pack purchase", eventID)
		return AckProcessed, err
	case EventSubscriptionRenewed:
		_, err := s.ledgerSvc.RenewSubscription(ctx, userID, credits, eventID)
		return AckProcessed, err
	default:
		s.log.Info("ignoring unhandled payment event", zap.String("type", eventType))
		return AckIgnored, nil
	}
}

func parseUserID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidUser
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidUser
	}
	return snowflake.ParseInt64(parsed), nil
}

var Module = fx.Module("webhook.service",
	fx.Provide(NewService),
)
