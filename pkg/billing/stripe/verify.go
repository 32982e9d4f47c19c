package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/kinelink/pkg/billing"
)

const signatureHeader = "Stripe-Signature"

// Verify implements billing.Verifier using the Stripe-Signature scheme.
// The signature is checked against the byte-exact payload before it is parsed.
func (p *Provider) Verify(payload []byte, header http.Header) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	sig := header.Get(signatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, signatureHeader)
	}

	tolerance := p.tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", billing.ErrInvalidWebhookPayload)
	}

	var data json.RawMessage
	if event.Data != nil {
		data = event.Data.Raw
	}

	return &billing.Event{
		ID:       event.ID,
		Type:     string(event.Type),
		Provider: providerName,
		Created:  time.Unix(event.Created, 0).UTC(),
		Livemode: event.Livemode,
		Data:     data,
	}, nil
}
