package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventSubscriptionCreated   = "customer.subscription.created"
	eventSubscriptionUpdated   = "customer.subscription.updated"
	eventSubscriptionDeleted   = "customer.subscription.deleted"
	eventInvoicePaymentSuccess = "invoice.payment_succeeded"
	eventInvoicePaymentFailed  = "invoice.payment_failed"

	billingReasonCycle = "subscription_cycle"
)

// mutation edits next in place. existing is nil for a first subscription.
// It returns false when the event has nothing to apply.
type mutation func(next, existing *kinelink.Subscription) bool

func (p *Provider) registerHandlers() {
	p.dispatcher.Register(eventCheckoutCompleted, p.handleCheckoutSessionCompleted)
	p.dispatcher.Register(eventSubscriptionCreated, p.handleSubscriptionChanged)
	p.dispatcher.Register(eventSubscriptionUpdated, p.handleSubscriptionChanged)
	p.dispatcher.Register(eventSubscriptionDeleted, p.handleSubscriptionDeleted)
	p.dispatcher.Register(eventInvoicePaymentSuccess, p.handleInvoicePaymentSucceeded)
	p.dispatcher.Register(eventInvoicePaymentFailed, p.handleInvoicePaymentFailed)
}

// handleCheckoutSessionCompleted attaches the new subscription to the kiné that started checkout
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	var session checkoutSessionObject
	if err := decodeObject(ev, &session); err != nil {
		return "", err
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return billing.OutcomeSkipped, nil
	}

	kineID := strings.TrimSpace(session.Metadata[metadataKineID])
	if kineID == "" {
		kineID = strings.TrimSpace(session.ClientReferenceID)
	}
	if kineID == "" {
		return "", billing.Recoverable("resolve kiné",
			fmt.Errorf("%w: checkout session %s has no kine_id", billing.ErrKineNotResolved, session.ID))
	}

	_, outcome, err := p.apply(ctx, ev, kineID, func(next, existing *kinelink.Subscription) bool {
		subscriptionID := string(session.Subscription)
		sameSubscription := existing != nil && subscriptionID != "" && existing.SubscriptionID == subscriptionID
		if session.Customer != "" {
			next.CustomerID = string(session.Customer)
		}
		if plan := session.Metadata[metadataPlan]; plan != "" {
			next.Plan = plan
		}
		if sameSubscription && existing.Status != "" {
			// subscription events already set the status of this subscription
			return true
		}
		next.SubscriptionID = subscriptionID
		next.CancelAtPeriodEnd = false
		next.CurrentPeriodEnd = nil
		if session.PaymentStatus == "unpaid" {
			next.Status = kinelink.StatusIncomplete
		} else {
			next.Status = kinelink.StatusActive
		}
		return true
	})
	return outcome, err
}

// handleSubscriptionChanged processes customer.subscription.created and .updated
func (p *Provider) handleSubscriptionChanged(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	var obj subscriptionObject
	if err := decodeObject(ev, &obj); err != nil {
		return "", err
	}

	kineID, err := p.resolveKineID(ctx, obj.Metadata, obj.ID, string(obj.Customer))
	if err != nil {
		return "", err
	}

	_, outcome, err := p.apply(ctx, ev, kineID, func(next, existing *kinelink.Subscription) bool {
		status := kinelink.ParseSubscriptionStatus(obj.Status)
		if supersededBy(existing, obj.ID) && status.IsTerminal() {
			return false
		}
		p.fillFromSubscription(next, &obj)
		return true
	})
	return outcome, err
}

// handleSubscriptionDeleted marks the subscription canceled
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	var obj subscriptionObject
	if err := decodeObject(ev, &obj); err != nil {
		return "", err
	}

	kineID, err := p.resolveKineID(ctx, obj.Metadata, obj.ID, string(obj.Customer))
	if err != nil {
		return "", err
	}

	_, outcome, err := p.apply(ctx, ev, kineID, func(next, existing *kinelink.Subscription) bool {
		if supersededBy(existing, obj.ID) {
			return false
		}
		next.SubscriptionID = obj.ID
		if obj.Customer != "" {
			next.CustomerID = string(obj.Customer)
		}
		next.Status = kinelink.StatusCanceled
		next.CancelAtPeriodEnd = false
		return true
	})
	if err != nil || outcome != billing.OutcomeProcessed {
		return outcome, err
	}

	if err := p.addNotification(ctx, ev, kineID, kinelink.NotificationSubscriptionEnd,
		"Your subscription has ended."); err != nil {
		return "", err
	}
	return outcome, nil
}

// handleInvoicePaymentSucceeded keeps the subscription active for the new period
// and grants referral credits on renewals.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	var inv invoiceObject
	if err := decodeObject(ev, &inv); err != nil {
		return "", err
	}

	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		return billing.OutcomeSkipped, nil
	}

	kineID, err := p.resolveKineID(ctx, inv.metadata(), subscriptionID, string(inv.Customer))
	if err != nil {
		return "", err
	}

	sub, outcome, err := p.apply(ctx, ev, kineID, func(next, existing *kinelink.Subscription) bool {
		if existing != nil && existing.Status.IsTerminal() && existing.SubscriptionID == subscriptionID {
			return false
		}
		next.SubscriptionID = subscriptionID
		if inv.Customer != "" {
			next.CustomerID = string(inv.Customer)
		}
		next.Status = kinelink.StatusActive
		if end := inv.periodEnd(); end != nil {
			next.CurrentPeriodEnd = end
		}
		return true
	})
	if err != nil {
		return "", err
	}

	if outcome == billing.OutcomeProcessed {
		if err := p.addNotification(ctx, ev, kineID, kinelink.NotificationPaymentSucceeded,
			"Your payment was received, thank you."); err != nil {
			return "", err
		}
	}

	if inv.BillingReason == billingReasonCycle && inv.AmountPaid > 0 && p.referrals != nil {
		if sub == nil {
			sub = &kinelink.Subscription{KineID: kineID, SubscriptionID: subscriptionID}
		}
		if err := p.referrals.EvaluateRenewal(ctx, sub, inv.ID); err != nil {
			return "", billing.Classify("evaluate referral", err)
		}
	}
	return outcome, nil
}

// handleInvoicePaymentFailed moves the subscription to past_due
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	var inv invoiceObject
	if err := decodeObject(ev, &inv); err != nil {
		return "", err
	}

	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		return billing.OutcomeSkipped, nil
	}

	kineID, err := p.resolveKineID(ctx, inv.metadata(), subscriptionID, string(inv.Customer))
	if err != nil {
		return "", err
	}

	_, outcome, err := p.apply(ctx, ev, kineID, func(next, existing *kinelink.Subscription) bool {
		if existing != nil && existing.Status.IsTerminal() {
			return false
		}
		next.SubscriptionID = subscriptionID
		next.Status = kinelink.StatusPastDue
		return true
	})
	if err != nil || outcome != billing.OutcomeProcessed {
		return outcome, err
	}

	if err := p.addNotification(ctx, ev, kineID, kinelink.NotificationPaymentFailed,
		"Your last payment failed. Please update your payment method."); err != nil {
		return "", err
	}
	return outcome, nil
}

// apply loads the stored subscription, runs mutate on a copy and writes it
// back with the event time as version. Older events are skipped.
func (p *Provider) apply(
	ctx context.Context, ev *billing.Event, kineID string, mutate mutation,
) (*kinelink.Subscription, billing.Outcome, error) {
	existing, err := p.store.GetSubscription(ctx, kineID)
	if err != nil && !errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		return nil, "", billing.Classify("load subscription", err)
	}
	if existing != nil && ev.Created.Before(existing.UpdatedAt) {
		p.logger.Debug("stale stripe event skipped",
			kinelink.F("event_id", ev.ID), kinelink.F("kine_id", kineID))
		return nil, billing.OutcomeSkipped, nil
	}

	next := &kinelink.Subscription{KineID: kineID}
	var previous kinelink.SubscriptionStatus
	if existing != nil {
		c := *existing
		next = &c
		previous = existing.Status
	}
	if !mutate(next, existing) {
		return nil, billing.OutcomeSkipped, nil
	}
	next.UpdatedAt = ev.Created

	applied, err := p.store.UpsertSubscription(ctx, next)
	if err != nil {
		return nil, "", billing.Classify("upsert subscription", err)
	}
	if !applied {
		return nil, billing.OutcomeSkipped, nil
	}

	if previous != next.Status {
		p.metrics.RecordStatusChange(providerName, string(previous), string(next.Status))
	}
	p.callback(ctx, billing.WebhookEvent{
		KineID:           kineID,
		PreviousStatus:   previous,
		NewStatus:        next.Status,
		Plan:             next.Plan,
		Provider:         providerName,
		EventID:          ev.ID,
		EventType:        ev.Type,
		EventTimestamp:   ev.Created,
		CurrentPeriodEnd: next.CurrentPeriodEnd,
		Metadata: map[string]interface{}{
			"subscription_id": next.SubscriptionID,
			"customer_id":     next.CustomerID,
		},
	})
	return next, billing.OutcomeProcessed, nil
}

// resolveKineID finds the kiné from metadata, then from the stored
// subscription id, then from the stored customer id.
func (p *Provider) resolveKineID(ctx context.Context, metadata map[string]string, subscriptionID, customerID string) (string, error) {
	if kineID := strings.TrimSpace(metadata[metadataKineID]); kineID != "" {
		return kineID, nil
	}

	sub, err := p.store.GetSubscriptionByExternalID(ctx, subscriptionID)
	if err == nil {
		return sub.KineID, nil
	}
	if !errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		return "", billing.Classify("lookup subscription", err)
	}

	sub, err = p.store.GetSubscriptionByCustomerID(ctx, customerID)
	if err == nil {
		return sub.KineID, nil
	}
	if !errors.Is(err, kinelink.ErrSubscriptionNotFound) {
		return "", billing.Classify("lookup customer", err)
	}

	return "", billing.Recoverable("resolve kiné",
		fmt.Errorf("%w: subscription %s customer %s", billing.ErrKineNotResolved, subscriptionID, customerID))
}

// fillFromSubscription copies provider state onto next
func (p *Provider) fillFromSubscription(next *kinelink.Subscription, obj *subscriptionObject) {
	next.SubscriptionID = obj.ID
	if obj.Customer != "" {
		next.CustomerID = string(obj.Customer)
	}
	next.Status = kinelink.ParseSubscriptionStatus(obj.Status)
	next.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	if end := obj.periodEnd(); end != nil {
		next.CurrentPeriodEnd = end
	}
	if plan := p.planFor(obj); plan != "" {
		next.Plan = plan
	}
}

func (p *Provider) planFor(obj *subscriptionObject) string {
	for _, item := range obj.Items.Data {
		if plan := p.MapPriceToPlan(item.Price.ID); plan != "" {
			return plan
		}
		if plan := p.MapPriceToPlan(string(item.Price.Product)); plan != "" {
			return plan
		}
	}
	return obj.Metadata[metadataPlan]
}

// supersededBy reports whether the kiné already moved to another live subscription
func supersededBy(existing *kinelink.Subscription, subscriptionID string) bool {
	return existing != nil &&
		existing.SubscriptionID != "" &&
		existing.SubscriptionID != subscriptionID &&
		!existing.Status.IsTerminal()
}

// addNotification writes one notification per event and kind. A redelivery
// after a critical failure finds it already stored.
func (p *Provider) addNotification(ctx context.Context, ev *billing.Event, kineID string, kind kinelink.NotificationKind, msg string) error {
	err := p.store.AddNotification(ctx, &kinelink.Notification{
		ID:        ev.ID + ":" + string(kind),
		KineID:    kineID,
		Kind:      kind,
		Message:   msg,
		CreatedAt: p.now().UTC(),
	})
	return billing.Classify("add notification", err)
}
