package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
)

const (
	StripeName            = "stripe"
	StripeSignatureHeader = "Stripe-Signature"
)

type Stripe struct {
	webhookKey string
	tolerance  time.Duration
}

func NewStripe(webhookKey string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Stripe{webhookKey: webhookKey, tolerance: tolerance}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) Verify(payload []byte, header http.Header) (Envelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(StripeSignatureHeader), s.webhookKey, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return Envelope{}, fmt.Errorf("stripe: %v: %w", err, apperrors.ErrInvalidSignature)
		}
		return Envelope{}, malformed(StripeName, err)
	}
	return envelopeFromStripe(event)
}

func (s *Stripe) Decode(payload []byte) (Envelope, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Envelope{}, malformed(StripeName, err)
	}
	return envelopeFromStripe(event)
}

func envelopeFromStripe(event stripe.Event) (Envelope, error) {
	if event.ID == "" || event.Type == "" {
		return Envelope{}, malformed(StripeName, errors.New("event id or type missing"))
	}
	env := Envelope{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Livemode:        event.Livemode,
	}
	if event.Data == nil {
		return env, nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return Envelope{}, malformed(StripeName, err)
		}
		env.CheckoutID = cs.ID
		env.Amount = cs.AmountTotal
		if cs.PaymentIntent != nil {
			env.PaymentIntentID = cs.PaymentIntent.ID
			env.GatewayPaymentID = cs.PaymentIntent.ID
		}
		if event.Type == stripe.EventTypeCheckoutSessionExpired {
			env.FailureReason = "checkout_expired"
		}
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCreated:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return Envelope{}, malformed(StripeName, err)
		}
		env.PaymentIntentID = pi.ID
		env.GatewayPaymentID = pi.ID
		env.Amount = pi.Amount
		if pi.LastPaymentError != nil {
			env.FailureReason = pi.LastPaymentError.Msg
		}
	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return Envelope{}, malformed(StripeName, err)
		}
		env.Amount = ch.AmountRefunded
		if ch.PaymentIntent != nil {
			env.PaymentIntentID = ch.PaymentIntent.ID
			env.GatewayPaymentID = ch.PaymentIntent.ID
		}
	}
	return env, nil
}
