package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yashrajoria/tourism-payments/gateway"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
	"github.com/yashrajoria/tourism-payments/testutil"
)

const testSecret = "whsk_test"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, evt models.PaymentEvent) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t          *testing.T
	db         *gorm.DB
	clock      *clock
	events     repository.EventRepository
	orders     repository.OrderRepository
	audit      repository.AuditRepository
	ledger     *Ledger
	intake     *IntakeService
	dispatcher *Dispatcher
	reaper     *Reaper
	operator   *OperatorService
	publisher  *recordingPublisher
	paymongo   *gateway.PayMongo
}

func newHarness(t *testing.T, policy lifecycle.FailurePolicy) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	recorder := metrics.New(nil)

	h := &harness{
		t:         t,
		db:        db,
		clock:     &clock{now: t0},
		events:    repository.NewGormEventRepo(db),
		orders:    repository.NewGormOrderRepo(db),
		audit:     repository.NewGormAuditRepo(db),
		publisher: &recordingPublisher{},
		paymongo:  gateway.NewPayMongo(testSecret, 0),
	}
	registry := gateway.NewRegistry(h.paymongo, gateway.NewStripe("whsec_test", 0))
	notifier := NewChanNotifier()

	h.ledger = NewLedger(db, h.orders, h.audit, h.publisher, recorder, logger, time.Second)
	h.intake = NewIntakeService(registry, h.events, notifier, recorder, logger)
	h.dispatcher = NewDispatcher(h.events, h.orders, h.ledger, registry, notifier, DispatcherConfig{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffMax:    10 * time.Second,
		PollInterval:  10 * time.Millisecond,
		Lease:         time.Minute,
		Workers:       4,
		BatchSize:     16,
		FailurePolicy: policy,
	}, recorder, logger)
	h.dispatcher.now = h.clock.Now
	h.reaper = NewReaper(h.orders, h.ledger, ReaperConfig{
		AbandonAfter: 30 * time.Minute,
		Interval:     time.Minute,
		PageSize:     2,
	}, recorder, logger)
	h.reaper.now = h.clock.Now
	h.operator = NewOperatorService(h.events, h.orders, h.audit, h.ledger, notifier, 3, logger)
	h.operator.now = h.clock.Now
	return h
}

func (h *harness) openOrder(checkoutID string, createdAt time.Time) *models.Order {
	h.t.Helper()
	o := &models.Order{
		UserID:      uuid.New(),
		Total:       150000,
		Currency:    "php",
		ArrivalCode: "K9Q2",
		CheckoutID:  testutil.StrPtr(checkoutID),
		CreatedAt:   createdAt,
	}
	require.NoError(h.t, h.ledger.Open(context.Background(), o, o.UserID.String()))
	return o
}

func (h *harness) order(id uuid.UUID) *models.Order {
	h.t.Helper()
	o, err := h.orders.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return o
}

func (h *harness) trail(id uuid.UUID) []models.AuditEntry {
	h.t.Helper()
	entries, err := h.audit.ListByOrder(context.Background(), id)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) event(providerEventID string) *models.WebhookEvent {
	h.t.Helper()
	ev, err := h.events.FindByProviderEventID(context.Background(), providerEventID)
	require.NoError(h.t, err)
	return ev
}

// deliver signs and submits a PayMongo checkout event.
func (h *harness) deliver(eventID, eventType, checkoutID string) (*IntakeResult, error) {
	payload := []byte(fmt.Sprintf(
		`{"data":{"id":%q,"type":"event","attributes":{"type":%q,"livemode":false,"data":{"id":%q,"type":"checkout_session","attributes":{"payments":[{"id":"pay_%s","type":"payment","attributes":{"amount":150000}}]}}}}}`,
		eventID, eventType, checkoutID, checkoutID,
	))
	header := http.Header{}
	header.Set(gateway.PayMongoSignatureHeader, h.paymongo.SignatureHeader(payload, time.Now(), false))
	return h.intake.Receive(context.Background(), gateway.PayMongoName, payload, header)
}

// deliverPayment signs and submits a PayMongo event whose resource is a
// payment. Such events carry the payment intent id but no checkout id.
func (h *harness) deliverPayment(eventID, eventType, paymentID, intentID string) *IntakeResult {
	h.t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"data":{"id":%q,"type":"event","attributes":{"type":%q,"livemode":false,"data":{"id":%q,"type":"payment","attributes":{"amount":150000,"payment_intent_id":%q}}}}}`,
		eventID, eventType, paymentID, intentID,
	))
	header := http.Header{}
	header.Set(gateway.PayMongoSignatureHeader, h.paymongo.SignatureHeader(payload, time.Now(), false))
	res, err := h.intake.Receive(context.Background(), gateway.PayMongoName, payload, header)
	require.NoError(h.t, err)
	return res
}

func (h *harness) mustDeliver(eventID, eventType, checkoutID string) *IntakeResult {
	h.t.Helper()
	res, err := h.deliver(eventID, eventType, checkoutID)
	require.NoError(h.t, err)
	return res
}

func (h *harness) dispatch() int {
	h.t.Helper()
	n, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(h.t, err)
	return n
}

func statusPath(entries []models.AuditEntry) []models.OrderStatus {
	path := []models.OrderStatus{models.OrderStatusPending}
	for _, e := range entries {
		if e.Action == models.AuditActionCreated || len(e.NewValue) == 0 {
			continue
		}
		var next map[string]any
		if err := json.Unmarshal(e.NewValue, &next); err != nil {
			continue
		}
		if s, ok := next["status"].(string); ok {
			path = append(path, models.OrderStatus(s))
		}
	}
	return path
}
