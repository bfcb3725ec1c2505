// Package gateway verifies and decodes payment gateway webhook deliveries.
// Each provider knows its own signature scheme and payload shape and reduces
// a delivery to an Envelope; nothing downstream depends on provider types.
package gateway

import (
	"fmt"
	"net/http"
	"sort"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
)

// Envelope is the provider-neutral view of one webhook event.
type Envelope struct {
	ProviderEventID  string
	EventType        string
	Livemode         bool
	CheckoutID       string
	PaymentIntentID  string
	GatewayPaymentID string
	Amount           int64
	FailureReason    string
}

// Gateway is implemented per payment provider.
type Gateway interface {
	Name() string
	// Verify authenticates a raw delivery and returns its envelope.
	Verify(payload []byte, header http.Header) (Envelope, error)
	// Decode parses a payload that was already verified and stored.
	Decode(payload []byte) (Envelope, error)
}

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the gateway registered under name or ErrUnknownProvider.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, apperrors.ErrUnknownProvider)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func malformed(provider string, err error) error {
	return fmt.Errorf("%s: %v: %w", provider, err, apperrors.ErrMalformedPayload)
}
