// Package prommetrics exports billing.Metrics to Prometheus under the
// "<namespace>_billing_" prefix.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics
type Metrics struct {
	events               *prometheus.CounterVec
	eventDuration        *prometheus.HistogramVec
	webhookFailures      *prometheus.CounterVec
	syncs                *prometheus.CounterVec
	syncDuration         *prometheus.HistogramVec
	statusTransitions    *prometheus.CounterVec
	providerCalls        *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "billing", Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "billing", Name: name, Help: help,
			Buckets: prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		events: counter("webhook_events_total",
			"Webhook events by type and dispatch outcome.", "provider", "event_type", "outcome"),
		eventDuration: histogram("webhook_processing_duration_seconds",
			"Time from request to acknowledgement of a webhook event.", "provider", "event_type"),
		webhookFailures: counter("webhook_errors_total",
			"Webhook requests rejected or failed, by reason.", "provider", "reason"),
		syncs: counter("subscription_sync_total",
			"Subscription snapshots pulled from the provider.", "provider", "result"),
		syncDuration: histogram("subscription_sync_duration_seconds",
			"Duration of subscription snapshot pulls.", "provider"),
		statusTransitions: counter("status_changes_total",
			"Subscription status transitions applied from provider events.", "provider", "from_status", "to_status"),
		providerCalls: counter("api_calls_total",
			"Calls to the provider API for checkout and portal links.", "provider", "endpoint", "result"),
		providerCallDuration: histogram("api_call_duration_seconds",
			"Duration of provider API calls.", "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.events.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, d time.Duration) {
	m.eventDuration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, reason string) {
	m.webhookFailures.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordSubscriptionSync(provider, result string) {
	m.syncs.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordSubscriptionSyncDuration(provider string, d time.Duration) {
	m.syncDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordStatusChange(provider, from, to string) {
	m.statusTransitions.WithLabelValues(provider, from, to).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, result string) {
	m.providerCalls.WithLabelValues(provider, endpoint, result).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, d time.Duration) {
	m.providerCallDuration.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}
