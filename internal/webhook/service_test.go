package webhook

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rowglow/rowledger/internal/clock"
	"github.com/rowglow/rowledger/internal/config"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	eventservice "github.com/rowglow/rowledger/internal/eventstore/service"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	ledgerservice "github.com/rowglow/rowledger/internal/ledger/service"
	"github.com/rowglow/rowledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type webhookHarness struct {
	db        *gorm.DB
	node      *snowflake.Node
	ledgerSvc ledgerdomain.Service
	svc       *Service
}

func newWebhookHarness(t *testing.T) *webhookHarness {
	t.Helper()
	db := testutil.OpenDB(t,
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&eventdomain.WebhookEvent{},
		&eventdomain.JobLedgerEvent{},
	)
	node := testutil.NewNode(t)
	clk := clock.NewSystemClock()

	events := eventservice.NewService(eventservice.Params{DB: db, Log: zap.NewNop(), Clock: clk})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Events: events,
		Cfg: config.Config{Ledger: config.LedgerConfig{
			MaxAttempts: 10,
			RetryDelay:  2 * time.Millisecond,
		}},
	})
	svc := NewService(Params{
		Log:       zap.NewNop(),
		Events:    events,
		LedgerSvc: ledgerSvc,
	})
	return &webhookHarness{db: db, node: node, ledgerSvc: ledgerSvc, svc: svc}
}

func (h *webhookHarness) seedAccount(t *testing.T, sub, addon int64) snowflake.ID {
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

func (h *webhookHarness) balance(t *testing.T, userID snowflake.ID) ledgerdomain.Balance {
	t.Helper()
	balance, err := h.ledgerSvc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func TestHandlePaymentEvent_CheckoutGrantsAddonCredits(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 0, 0)

	event := PaymentEvent{
		ID:      "evt_checkout_1",
		Type:    EventCheckoutCompleted,
		UserID:  strconv.FormatInt(userID.Int64(), 10),
		Credits: 30,
	}

	ack, err := h.svc.HandlePaymentEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	balance := h.balance(t, userID)
	assert.Equal(t, int64(0), balance.SubscriptionCredits)
	assert.Equal(t, int64(30), balance.AddonCredits)

	// Provider redelivery acknowledges without re-granting.
	ack, err = h.svc.HandlePaymentEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)
	assert.Equal(t, int64(30), h.balance(t, userID).Total())
}

func TestHandlePaymentEvent_RenewalResetsSubscriptionBucket(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 2, 9)

	ack, err := h.svc.HandlePaymentEvent(ctx, PaymentEvent{
		ID:      "evt_renewal_1",
		Type:    EventSubscriptionRenewed,
		UserID:  strconv.FormatInt(userID.Int64(), 10),
		Credits: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)

	balance := h.balance(t, userID)
	assert.Equal(t, int64(50), balance.SubscriptionCredits)
	assert.Equal(t, int64(9), balance.AddonCredits)
}

func TestHandlePaymentEvent_UnknownTypeIgnored(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 5, 0)

	ack, err := h.svc.HandlePaymentEvent(ctx, PaymentEvent{
		ID:     "evt_other_1",
		Type:   "invoice.finalized",
		UserID: strconv.FormatInt(userID.Int64(), 10),
	})
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
	assert.Equal(t, int64(5), h.balance(t, userID).Total())
}

func TestHandlePaymentEvent_InvalidPayload(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentEvent(ctx, PaymentEvent{Type: EventCheckoutCompleted, UserID: "1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = h.svc.HandlePaymentEvent(ctx, PaymentEvent{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "not-a-number"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = h.svc.HandlePaymentEvent(ctx, PaymentEvent{ID: "evt_2", Type: EventCheckoutCompleted, UserID: "-3"})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestHandlePaymentEvent_ReleasesGuardOnFailure(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()
	userID := h.seedAccount(t, 0, 0)

	// Zero credits makes the grant fail after the guard row was taken. The
	// guard must be released so the provider retry can succeed.
	bad := PaymentEvent{
		ID:     "evt_flaky_1",
		Type:   EventCheckoutCompleted,
		UserID: strconv.FormatInt(userID.Int64(), 10),
	}
	_, err := h.svc.HandlePaymentEvent(ctx, bad)
	require.Error(t, err)

	good := bad
	good.Credits = 30
	ack, err := h.svc.HandlePaymentEvent(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Equal(t, int64(30), h.balance(t, userID).Total())
}
