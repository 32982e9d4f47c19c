package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/kinelink/internal/config"
	echomw "github.com/mihaimyh/kinelink/middleware/echo"
	"github.com/mihaimyh/kinelink/pkg/api"
	"github.com/mihaimyh/kinelink/pkg/assistant"
	"github.com/mihaimyh/kinelink/pkg/billing"
	billingprom "github.com/mihaimyh/kinelink/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/kinelink/pkg/billing/stripe"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
	zerologadapter "github.com/mihaimyh/kinelink/pkg/kinelink/logger/zerolog"
	kineprom "github.com/mihaimyh/kinelink/pkg/kinelink/metrics/prometheus"
	"github.com/mihaimyh/kinelink/pkg/messaging/whatsapp"
	"github.com/mihaimyh/kinelink/pkg/referral"
)

const (
	kineIDHeader = "X-Kine-ID"
	chatClass    = "ai_chat"
	metricsNS    = "kinelink"
)

// deps carries what newServer needs besides configuration.
// Tests replace Completer with a fake and Store with memory storage.
type deps struct {
	Store     backend
	Logger    zerolog.Logger
	Registry  *prometheus.Registry
	Completer assistant.Completer
	Now       kinelink.TimeSource
}

// newServer assembles the echo application
func newServer(cfg *config.Config, d deps) (*echo.Echo, error) {
	if d.Now == nil {
		d.Now = time.Now
	}
	logger := zerologadapter.NewLogger(&d.Logger)
	coreMetrics := kineprom.NewMetrics(d.Registry, metricsNS)
	billingMetrics := billingprom.NewMetrics(d.Registry, metricsNS)

	limiter, err := kinelink.NewRateLimiter(d.Store,
		kinelink.WithLogger(logger),
		kinelink.WithMetrics(coreMetrics),
		kinelink.WithTimeSource(d.Now))
	if err != nil {
		return nil, err
	}

	referrals, err := referral.NewService(referral.Config{Store: d.Store, Logger: logger, Now: d.Now})
	if err != nil {
		return nil, err
	}

	var checkout billing.CheckoutProvider = unconfiguredCheckout{}
	var syncer subscriptionSyncer
	var billingWebhook http.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
	})
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:       d.Store,
			PlanMapping: cfg.Stripe.PlanMapping,
			Referrals:   referrals,
			OnEvent:     logBillingEvent(logger),
			Logger:      logger,
			Metrics:     billingMetrics,
			Now:         d.Now,
		},
		StripeAPIKey:        cfg.Stripe.APIKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		SignatureTolerance:  cfg.Stripe.SignatureTolerance,
		RateLimiter:         limiter,
		TrustProxy:          cfg.TrustProxy,
	})
	switch {
	case err == nil:
		checkout = provider
		syncer = provider
		billingWebhook = provider.WebhookHandler()
	case errors.Is(err, billing.ErrProviderNotConfigured):
		logger.Warn("stripe is not configured, billing endpoints answer 503")
	default:
		return nil, err
	}

	waConfig := whatsapp.Config{
		VerifyToken:       cfg.WhatsApp.VerifyToken,
		AllowedCIDRs:      cfg.WhatsApp.AllowedCIDRs,
		DevMode:           cfg.WhatsApp.DevMode,
		TrustForwardedFor: cfg.TrustProxy,
		AccessToken:       cfg.WhatsApp.AccessToken,
		PhoneNumberID:     cfg.WhatsApp.PhoneNumberID,
		APIVersion:        cfg.WhatsApp.APIVersion,
		RichTemplate:      cfg.WhatsApp.RichTemplate,
		FallbackTemplate:  cfg.WhatsApp.FallbackTemplate,
		Language:          cfg.WhatsApp.Language,
		DefaultRegion:     cfg.WhatsApp.DefaultRegion,
		Logger:            logger,
		Metrics:           coreMetrics,
		Now:               d.Now,
	}
	waWebhook, err := whatsapp.NewWebhookHandler(waConfig, func(_ context.Context, msg whatsapp.InboundMessage) {
		logger.Info("whatsapp message received",
			kinelink.F("message_id", msg.ID), kinelink.F("type", msg.Type))
	})
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(api.Config{
		Store:     d.Store,
		Checkout:  checkout,
		GetKineID: api.FromHeader(kineIDHeader),
		Logger:    logger,
		Now:       d.Now,
	})
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			d.Logger.Info().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))

	e.POST("/webhook/stripe", echo.WrapHandler(billingWebhook))
	e.Any("/webhook/whatsapp", echo.WrapHandler(waWebhook))

	limitConfig := echomw.Config{
		Limiter:    limiter,
		GetSubject: echomw.FromHeader(kineIDHeader),
		TrustProxy: cfg.TrustProxy,
		Rules: []kinelink.RouteRule{
			{Method: http.MethodPost, Pattern: "/api/subscription/*", Class: "billing_links", Policy: cfg.RateLimit.GeneralPolicy()},
		},
		Now: d.Now,
	}

	g := e.Group("/api", echomw.Middleware(limitConfig))
	kineAPI := echo.WrapHandler(apiHandler.Routes())
	g.GET("/subscription", kineAPI)
	g.POST("/subscription/checkout", kineAPI)
	g.POST("/subscription/portal", kineAPI)
	g.GET("/notifications", kineAPI)

	if chat, err := newAssistant(cfg, d, logger); err == nil {
		chat.Register(g, echomw.Limit(limitConfig, chatClass, cfg.RateLimit.ChatPolicy()))
	} else if errors.Is(err, assistant.ErrNotConfigured) {
		logger.Warn("assistant is not configured, chat routes are disabled")
	} else {
		return nil, err
	}

	if cfg.InternalToken != "" {
		internal := e.Group("/internal", internalAuth(cfg.InternalToken))
		if syncer != nil {
			internal.POST("/subscriptions/:kineID/sync", syncSubscription(syncer, d.Now, logger))
		}
		if sender, err := whatsapp.NewClient(waConfig); err == nil {
			notifier, err := whatsapp.NewService(sender, d.Store, logger)
			if err != nil {
				return nil, err
			}
			internal.POST("/messages", echo.WrapHandler(whatsapp.NewSendHandler(notifier, cfg.InternalToken)))
		} else {
			logger.Warn("whatsapp sending is not configured", kinelink.F("error", err))
		}
	}

	return e, nil
}

func newAssistant(cfg *config.Config, d deps, logger kinelink.Logger) (*assistant.Handler, error) {
	service, err := assistant.NewService(assistant.Config{
		APIKey: cfg.OpenAI.APIKey,
		Model:  cfg.OpenAI.Model,
		Store:  d.Store,
		Client: d.Completer,
		Logger: logger,
		Now:    d.Now,
	})
	if err != nil {
		return nil, err
	}
	return assistant.NewHandler(service, func(c echo.Context) string {
		return c.Request().Header.Get(kineIDHeader)
	}), nil
}

func logBillingEvent(logger kinelink.Logger) billing.WebhookCallback {
	return func(_ context.Context, ev billing.WebhookEvent) error {
		logger.Info("subscription changed",
			kinelink.F("kine_id", ev.KineID),
			kinelink.F("event_type", ev.EventType),
			kinelink.F("previous_status", string(ev.PreviousStatus)),
			kinelink.F("status", string(ev.NewStatus)),
			kinelink.F("plan", ev.Plan))
		return nil
	}
}

// unconfiguredCheckout answers every call with ErrProviderNotConfigured
type unconfiguredCheckout struct{}

func (unconfiguredCheckout) CheckoutURL(context.Context, string, string, string, string) (string, error) {
	return "", billing.ErrProviderNotConfigured
}

func (unconfiguredCheckout) PortalURL(context.Context, string, string) (string, error) {
	return "", billing.ErrProviderNotConfigured
}
