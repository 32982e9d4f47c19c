package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// EventHandler applies one event type. It returns OutcomeProcessed or
// OutcomeSkipped on success, and a HandlerError to state severity on failure.
type EventHandler func(ctx context.Context, ev *Event) (Outcome, error)

// Dispatcher routes verified events to the handler registered for their type.
// Every event id is claimed in the ledger before its handler runs, so a
// redelivered event reaches its handler at most once.
type Dispatcher struct {
	provider string
	ledger   kinelink.EventLedger
	handlers map[string]EventHandler
	logger   kinelink.Logger
	metrics  Metrics
	now      kinelink.TimeSource
}

// NewDispatcher creates a dispatcher recording claims in ledger
func NewDispatcher(provider string, ledger kinelink.EventLedger, logger kinelink.Logger, metrics Metrics) *Dispatcher {
	if logger == nil {
		logger = &kinelink.NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Dispatcher{
		provider: provider,
		ledger:   ledger,
		handlers: make(map[string]EventHandler),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Register binds handler to eventType, replacing any previous binding
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// EventTypes lists registered event types in sorted order
func (d *Dispatcher) EventTypes() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs the handler for ev.Type.
// The returned error is non-nil only for critical failures; recoverable
// failures are logged and reported as OutcomeRecoverableError.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (Outcome, error) {
	handler, ok := d.handlers[ev.Type]
	if !ok {
		d.logger.Debug("webhook event ignored",
			kinelink.F("provider", d.provider), kinelink.F("event_id", ev.ID), kinelink.F("event_type", ev.Type))
		return OutcomeIgnored, nil
	}

	if d.ledger != nil {
		claimed, err := d.ledger.ClaimEvent(ctx, &kinelink.ProcessedEvent{
			ID:         ev.ID,
			Type:       ev.Type,
			Provider:   d.provider,
			ReceivedAt: d.now().UTC(),
		})
		if err != nil {
			return "", Critical("claim event", err)
		}
		if !claimed {
			d.logger.Info("webhook event already processed",
				kinelink.F("provider", d.provider), kinelink.F("event_id", ev.ID), kinelink.F("event_type", ev.Type))
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := d.run(ctx, handler, ev)
	if err == nil {
		return outcome, nil
	}

	if IsCritical(err) {
		if d.ledger != nil {
			if relErr := d.ledger.ReleaseEvent(ctx, ev.ID); relErr != nil {
				d.logger.Error("failed to release event claim, redelivery will be treated as duplicate",
					kinelink.F("event_id", ev.ID), kinelink.F("error", relErr))
			}
		}
		d.logger.Error("critical webhook handler failure",
			kinelink.F("provider", d.provider), kinelink.F("event_id", ev.ID),
			kinelink.F("event_type", ev.Type), kinelink.F("error", err))
		return "", err
	}

	d.logger.Warn("recoverable webhook handler failure",
		kinelink.F("provider", d.provider), kinelink.F("event_id", ev.ID),
		kinelink.F("event_type", ev.Type), kinelink.F("error", err))
	d.metrics.RecordWebhookError(d.provider, "processing_error")
	return OutcomeRecoverableError, nil
}

func (d *Dispatcher) run(ctx context.Context, handler EventHandler, ev *Event) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ""
			err = Recoverable("handler panic", fmt.Errorf("%v", r))
		}
	}()
	return handler(ctx, ev)
}
