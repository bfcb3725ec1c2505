package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/tourism-payments/models"
	aws_pkg "github.com/yashrajoria/tourism-payments/pkg/aws"
)

// EventPublisher announces committed order transitions. Delivery is
// best-effort: a failed publish is logged and never undoes the transition.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, evt models.PaymentEvent)
}

type snsEventPublisher struct {
	sns      aws_pkg.SNSPublisher
	topicArn string
	logger   *zap.Logger
}

// NewSNSEventPublisher returns a no-op publisher when sns is nil or no topic is configured.
func NewSNSEventPublisher(sns aws_pkg.SNSPublisher, topicArn string, logger *zap.Logger) EventPublisher {
	if sns == nil || topicArn == "" {
		return noopPublisher{}
	}
	return &snsEventPublisher{sns: sns, topicArn: topicArn, logger: logger}
}

func (p *snsEventPublisher) PublishOrderEvent(ctx context.Context, evt models.PaymentEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("Failed to encode order event", zap.String("order_id", evt.OrderID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.sns.Publish(ctx, p.topicArn, evt.Type, body); err != nil {
		p.logger.Warn("Order event not published",
			zap.String("type", evt.Type),
			zap.String("order_id", evt.OrderID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("Order event published", zap.String("type", evt.Type), zap.String("order_id", evt.OrderID))
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderEvent(context.Context, models.PaymentEvent) {}
