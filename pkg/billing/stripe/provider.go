// Package stripe implements billing.Provider on top of Stripe Billing.
//
// Subscriptions are linked to kiné accounts through the "kine_id" metadata key,
// set on checkout sessions and copied onto the subscription by CheckoutURL.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/kinelink/pkg/billing"
	"github.com/mihaimyh/kinelink/pkg/billing/internal"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/memory"
)

const (
	providerName    = "stripe"
	floodGuardClass = "stripe_webhook"

	metadataKineID = "kine_id"
	metadataPlan   = "plan"
)

// DefaultFloodGuard caps webhook deliveries per source IP
var DefaultFloodGuard = kinelink.RateLimitPolicy{Window: time.Minute, Max: 100, KeyBy: kinelink.KeyByIP}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	StripeAPIKey        string
	StripeWebhookSecret string

	// SignatureTolerance is the maximum age of a signed delivery.
	// Zero means webhook.DefaultTolerance (5 minutes).
	SignatureTolerance time.Duration

	// RateLimiter guards the webhook endpoint. If nil, an in-memory limiter is used.
	RateLimiter kinelink.RateLimiter

	// FloodGuard overrides DefaultFloodGuard
	FloodGuard *kinelink.RateLimitPolicy

	// TrustProxy keys the flood guard by X-Forwarded-For instead of the peer address
	TrustProxy bool
}

// Provider implements billing.Provider and billing.CheckoutProvider for Stripe
type Provider struct {
	store         kinelink.Storage
	stripeClient  *stripe.Client
	webhookSecret string
	tolerance     time.Duration
	planMapping   map[string]string // lowercased price/product id -> plan
	priceByPlan   map[string]string // plan -> price id
	referrals     billing.ReferralEvaluator
	onEvent       billing.WebhookCallback
	logger        kinelink.Logger
	metrics       billing.Metrics
	now           kinelink.TimeSource

	dispatcher  *billing.Dispatcher
	webhook     *billing.WebhookHandler
	limiter     kinelink.RateLimiter
	floodPolicy kinelink.RateLimitPolicy
	trustProxy  bool
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}

	p := &Provider{
		store:         config.Store,
		stripeClient:  stripe.NewClient(apiKey),
		webhookSecret: secret,
		tolerance:     config.SignatureTolerance,
		planMapping:   make(map[string]string, len(config.PlanMapping)),
		priceByPlan:   make(map[string]string, len(config.PlanMapping)),
		referrals:     config.Referrals,
		onEvent:       config.OnEvent,
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           config.Now,
		limiter:       config.RateLimiter,
		floodPolicy:   DefaultFloodGuard,
		trustProxy:    config.TrustProxy,
	}
	if p.logger == nil {
		p.logger = &kinelink.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if config.FloodGuard != nil {
		if err := config.FloodGuard.Validate(); err != nil {
			return nil, err
		}
		p.floodPolicy = *config.FloodGuard
	}
	if p.limiter == nil {
		limiter, err := kinelink.NewRateLimiter(memory.New(), kinelink.WithLogger(p.logger))
		if err != nil {
			return nil, err
		}
		p.limiter = limiter
	}

	for id, plan := range config.PlanMapping {
		p.planMapping[strings.ToLower(strings.TrimSpace(id))] = plan
		if strings.HasPrefix(id, "price_") {
			if _, ok := p.priceByPlan[plan]; !ok {
				p.priceByPlan[plan] = id
			}
		}
	}

	p.dispatcher = billing.NewDispatcher(providerName, config.Store, p.logger, p.metrics)
	p.registerHandlers()
	p.webhook = billing.NewWebhookHandler(providerName, p, p.dispatcher, config.Config)

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return internal.FloodGuard(p.limiter, floodGuardClass, p.floodPolicy, p.trustProxy, p.webhook)
}

// EventTypes lists the Stripe event types the provider acts on
func (p *Provider) EventTypes() []string {
	return p.dispatcher.EventTypes()
}

// MapPriceToPlan maps a Stripe Price ID or Product ID to a plan.
// Returns "" when the id is not mapped.
func (p *Provider) MapPriceToPlan(id string) string {
	if id == "" {
		return ""
	}
	return p.planMapping[strings.ToLower(strings.TrimSpace(id))]
}

func (p *Provider) priceForPlan(plan string) string {
	return p.priceByPlan[plan]
}

func (p *Provider) callback(ctx context.Context, event billing.WebhookEvent) {
	if p.onEvent == nil {
		return
	}
	if err := p.onEvent(ctx, event); err != nil {
		p.logger.Warn("webhook callback failed",
			kinelink.F("kine_id", event.KineID), kinelink.F("event_id", event.EventID), kinelink.F("error", err))
	}
}
