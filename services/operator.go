package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
)

// OperatorService backs the admin HTTP surface and the CLI.
type OperatorService struct {
	events      repository.EventRepository
	orders      repository.OrderRepository
	audit       repository.AuditRepository
	ledger      *Ledger
	notifier    Notifier
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewOperatorService(
	events repository.EventRepository,
	orders repository.OrderRepository,
	audit repository.AuditRepository,
	ledger *Ledger,
	notifier Notifier,
	maxAttempts int,
	logger *zap.Logger,
) *OperatorService {
	return &OperatorService{
		events:      events,
		orders:      orders,
		audit:       audit,
		ledger:      ledger,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailedEvents lists failed events, newest first. parkedOnly restricts the
// list to events that exhausted their retries.
func (s *OperatorService) FailedEvents(ctx context.Context, parkedOnly bool, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.events.ListFailed(ctx, s.maxAttempts, parkedOnly, limit)
}

// Replay gives a parked event one more dispatcher attempt.
func (s *OperatorService) Replay(ctx context.Context, id uuid.UUID, actor string) (*models.WebhookEvent, error) {
	ev, err := s.events.Requeue(ctx, id, s.maxAttempts, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Webhook event replayed",
		zap.String("event_id", id.String()),
		zap.String("provider_event_id", ev.ProviderEventID),
		zap.String("actor", actor),
	)
	if s.notifier != nil {
		s.notifier.Notify(ctx)
	}
	return ev, nil
}

func (s *OperatorService) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.orders.FindByID(ctx, id)
}

func (s *OperatorService) AuditTrail(ctx context.Context, orderID uuid.UUID) ([]models.AuditEntry, error) {
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.audit.ListByOrder(ctx, orderID)
}

// Act applies a manual command through the ledger.
func (s *OperatorService) Act(ctx context.Context, orderID uuid.UUID, actor string, cmd lifecycle.Command) (*models.Order, error) {
	now := s.now()
	res, err := s.ledger.Transition(ctx, TransitionRequest{
		OrderID: orderID,
		Actor:   actor,
		Source:  SourceOperator,
		Decide: func(o models.Order) (lifecycle.Decision, error) {
			return lifecycle.DecideManual(o, cmd, now)
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}
