package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/gateway"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
)

type IntakeResult struct {
	EventID         uuid.UUID
	ProviderEventID string
	EventType       string
	Duplicate       bool
}

// IntakeService authenticates deliveries and stores them. It never touches
// orders; processing happens asynchronously in the Dispatcher.
type IntakeService struct {
	registry *gateway.Registry
	events   repository.EventRepository
	notifier Notifier
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

func NewIntakeService(registry *gateway.Registry, events repository.EventRepository, notifier Notifier, recorder *metrics.Recorder, logger *zap.Logger) *IntakeService {
	return &IntakeService{registry: registry, events: events, notifier: notifier, metrics: recorder, logger: logger}
}

// Receive verifies payload and records it exactly once. A redelivery of a
// stored event returns Duplicate with a nil error.
func (s *IntakeService) Receive(ctx context.Context, provider string, payload []byte, header http.Header) (*IntakeResult, error) {
	gw, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	env, err := gw.Verify(payload, header)
	if err != nil {
		s.record(provider, "rejected")
		s.logger.Warn("Webhook rejected", zap.String("provider", provider), zap.String("kind", apperrors.Kind(err)), zap.Error(err))
		return nil, err
	}

	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: env.ProviderEventID,
		EventType:       env.EventType,
		Livemode:        env.Livemode,
		Payload:         datatypes.JSON(payload),
	}
	result := &IntakeResult{ProviderEventID: env.ProviderEventID, EventType: env.EventType}

	if err := s.events.Insert(ctx, event); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateEvent) {
			s.record(provider, "duplicate")
			s.logger.Info("Duplicate webhook acknowledged", zap.String("provider", provider), zap.String("provider_event_id", env.ProviderEventID))
			result.Duplicate = true
			return result, nil
		}
		s.logger.Error("Webhook not stored", zap.String("provider", provider), zap.String("provider_event_id", env.ProviderEventID), zap.Error(err))
		return nil, apperrors.New(http.StatusServiceUnavailable, "event store unavailable", err)
	}

	s.record(provider, "accepted")
	s.logger.Info("Webhook stored",
		zap.String("provider", provider),
		zap.String("provider_event_id", env.ProviderEventID),
		zap.String("event_type", env.EventType),
		zap.String("event_id", event.ID.String()),
	)
	result.EventID = event.ID
	if s.notifier != nil {
		s.notifier.Notify(ctx)
	}
	return result, nil
}

func (s *IntakeService) record(provider, result string) {
	if s.metrics != nil {
		s.metrics.WebhookReceived(provider, result)
	}
}
