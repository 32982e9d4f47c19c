package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SyncSubscription fetches the stored subscription of a kiné from Stripe and
// overwrites local state with it. Used to repair state after missed webhooks.
func (p *Provider) SyncSubscription(ctx context.Context, kineID string) (*kinelink.Subscription, error) {
	startTime := time.Now()
	defer func() {
		p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(startTime))
	}()

	existing, err := p.store.GetSubscription(ctx, kineID)
	if errors.Is(err, kinelink.ErrSubscriptionNotFound) || (err == nil && existing.SubscriptionID == "") {
		p.metrics.RecordSubscriptionSync(providerName, "not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, kineID)
	}
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}

	remote, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, existing.SubscriptionID, nil)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, fmt.Errorf("%w: retrieve subscription: %v", billing.ErrProviderAPIError, err)
	}

	raw, err := json.Marshal(remote)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, fmt.Errorf("failed to encode subscription: %w", err)
	}

	sub, err := p.applySnapshot(ctx, existing, raw)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordSubscriptionSync(providerName, "success")
	return sub, nil
}

// applySnapshot writes a subscription object read from the API.
// The snapshot is stamped with the current time so it wins over older events.
func (p *Provider) applySnapshot(ctx context.Context, existing *kinelink.Subscription, raw []byte) (*kinelink.Subscription, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	next := *existing
	previous := existing.Status
	p.fillFromSubscription(&next, &obj)
	next.UpdatedAt = p.now().UTC()

	if _, err := p.store.UpsertSubscription(ctx, &next); err != nil {
		return nil, err
	}
	if previous != next.Status {
		p.metrics.RecordStatusChange(providerName, string(previous), string(next.Status))
	}
	p.logger.Info("subscription synced from stripe",
		kinelink.F("kine_id", next.KineID), kinelink.F("status", string(next.Status)))
	return &next, nil
}
