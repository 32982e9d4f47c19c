package whatsapp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/mihaimyh/kinelink/pkg/clientip"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const eventReceived = "EVENT_RECEIVED"

// InboundMessage is a message a kiné or patient sent to the business number
type InboundMessage struct {
	ID        string
	From      string
	Type      string
	Text      string
	Timestamp time.Time
}

// MessageHandler receives parsed inbound messages
type MessageHandler func(ctx context.Context, msg InboundMessage)

// WebhookHandler serves the Cloud API webhook: the GET verification
// handshake and POST deliveries from the allow-listed ranges.
type WebhookHandler struct {
	verifyToken       string
	allowed           []netip.Prefix
	devMode           bool
	trustForwardedFor bool
	handlers          []MessageHandler
	logger            kinelink.Logger
}

// NewWebhookHandler creates the webhook endpoint
func NewWebhookHandler(cfg Config, handlers ...MessageHandler) (*WebhookHandler, error) {
	cfg = cfg.withDefaults()
	allowed, err := parsePrefixes(cfg.AllowedCIDRs)
	if err != nil {
		return nil, err
	}
	return &WebhookHandler{
		verifyToken:       cfg.VerifyToken,
		allowed:           allowed,
		devMode:           cfg.DevMode,
		trustForwardedFor: cfg.TrustForwardedFor,
		handlers:          handlers,
		logger:            cfg.Logger,
	}, nil
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handshake(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handshake answers the subscription check with hub.challenge verbatim
func (h *WebhookHandler) handshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	ip := clientip.FromRequest(r, h.trustForwardedFor)
	if h.devMode {
		h.logger.Warn("whatsapp allow-list bypassed in dev mode", kinelink.F("ip", ip))
	} else if !h.allowedIP(ip) {
		h.logger.Warn("whatsapp webhook from non allow-listed address", kinelink.F("ip", ip))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if err != nil {
		h.logger.Warn("whatsapp webhook body unreadable", kinelink.F("error", err))
	} else {
		for _, msg := range parseInbound(body) {
			for _, handle := range h.handlers {
				handle(r.Context(), msg)
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, eventReceived)
}

func (h *WebhookHandler) allowedIP(ip string) bool {
	addr, ok := clientip.Addr(ip)
	if !ok {
		return false
	}
	for _, prefix := range h.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

type inboundPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Type      string `json:"type"`
					Timestamp string `json:"timestamp"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Button *struct {
						Text string `json:"text"`
					} `json:"button"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// parseInbound extracts messages from a delivery. Status updates and
// malformed payloads yield nothing.
func parseInbound(body []byte) []InboundMessage {
	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	var out []InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msg := InboundMessage{ID: m.ID, From: m.From, Type: m.Type}
				switch {
				case m.Text != nil:
					msg.Text = m.Text.Body
				case m.Button != nil:
					msg.Text = m.Button.Text
				}
				if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.Timestamp = time.Unix(sec, 0).UTC()
				}
				out = append(out, msg)
			}
		}
	}
	return out
}
