package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/kinelink/pkg/billing/internal"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// DefaultMaxBodyBytes caps webhook payloads
const DefaultMaxBodyBytes = 256 * 1024

// Verifier authenticates a webhook request and parses its event.
// payload is the byte-exact request body the signature was computed over.
type Verifier interface {
	Verify(payload []byte, header http.Header) (*Event, error)
}

// AckResponse is the body of a 200 webhook answer
type AckResponse struct {
	Received      bool    `json:"received"`
	EventType     string  `json:"eventType"`
	EventID       string  `json:"eventId"`
	HandlerResult Outcome `json:"handlerResult"`
}

// ValidationErrorResponse is the body of a 400 webhook answer
type ValidationErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

// CriticalErrorResponse is the body of a 500 webhook answer
type CriticalErrorResponse struct {
	Error     string `json:"error"`
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
}

// WebhookHandler validates requests and hands their events to a Dispatcher.
// No handler runs unless Verify succeeded.
type WebhookHandler struct {
	provider     string
	verifier     Verifier
	dispatcher   *Dispatcher
	maxBodyBytes int64
	logger       kinelink.Logger
	metrics      Metrics
	now          kinelink.TimeSource
}

// NewWebhookHandler creates the HTTP entry point for a provider
func NewWebhookHandler(provider string, verifier Verifier, dispatcher *Dispatcher, cfg Config) *WebhookHandler {
	h := &WebhookHandler{
		provider:     provider,
		verifier:     verifier,
		dispatcher:   dispatcher,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if h.logger == nil {
		h.logger = &kinelink.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &NoopMetrics{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(h.provider, "payload_too_large")
			return
		}
		h.writeValidationError(w, "Invalid webhook payload", err)
		h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		return
	}

	ev, err := h.verifier.Verify(body, r.Header)
	if err != nil {
		if errors.Is(err, ErrProviderNotConfigured) {
			http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
			return
		}
		h.logger.Warn("webhook signature verification failed",
			kinelink.F("provider", h.provider), kinelink.F("error", err))
		h.writeValidationError(w, "Webhook signature verification failed", err)
		h.metrics.RecordWebhookError(h.provider, "auth_failed")
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		h.metrics.RecordWebhookEvent(h.provider, ev.Type, "critical_error")
		h.metrics.RecordWebhookError(h.provider, "critical_error")
		h.metrics.RecordWebhookProcessingDuration(h.provider, ev.Type, time.Since(startTime))
		_ = internal.WriteJSON(w, http.StatusInternalServerError, CriticalErrorResponse{
			Error:     "Webhook handler failed",
			EventType: ev.Type,
			EventID:   ev.ID,
		})
		return
	}

	h.metrics.RecordWebhookEvent(h.provider, ev.Type, string(outcome))
	h.metrics.RecordWebhookProcessingDuration(h.provider, ev.Type, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, AckResponse{
		Received:      true,
		EventType:     ev.Type,
		EventID:       ev.ID,
		HandlerResult: outcome,
	})
}

func (h *WebhookHandler) writeValidationError(w http.ResponseWriter, msg string, err error) {
	_ = internal.WriteJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:     msg,
		Details:   err.Error(),
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
