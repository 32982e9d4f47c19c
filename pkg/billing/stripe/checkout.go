package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// CheckoutURL creates a Stripe Checkout Session and returns its URL.
// The plan is resolved to a Stripe Price ID through PlanMapping.
func (p *Provider) CheckoutURL(ctx context.Context, kineID, plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	// A storage failure must not create a second Stripe customer for the kiné.
	customerID, err := p.customerID(ctx, kineID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(kineID),
	}
	params.AddMetadata(metadataKineID, kineID)
	params.AddMetadata(metadataPlan, plan)

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataKineID, kineID)
	params.SubscriptionData.AddMetadata(metadataPlan, plan)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns its URL.
// The kiné must have a stored Stripe customer.
func (p *Provider) PortalURL(ctx context.Context, kineID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.customerID(ctx, kineID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")

	return session.URL, nil
}

// customerID returns the stored Stripe customer of a kiné
func (p *Provider) customerID(ctx context.Context, kineID string) (string, error) {
	sub, err := p.store.GetSubscription(ctx, kineID)
	if errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, kineID)
	}
	if err != nil {
		return "", err
	}
	if sub.CustomerID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, kineID)
	}
	return sub.CustomerID, nil
}
