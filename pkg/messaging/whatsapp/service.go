package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Sender delivers a message with template fallback
type Sender interface {
	Send(ctx context.Context, phone string, message, deepLink *string) SendResult
}

// Service sends notifications and keeps the audit trail of accepted messages
type Service struct {
	sender  Sender
	history kinelink.MessageHistoryStore
	logger  kinelink.Logger
	now     kinelink.TimeSource
}

// NewService creates a notification service
func NewService(sender Sender, history kinelink.MessageHistoryStore, logger kinelink.Logger) (*Service, error) {
	if sender == nil {
		return nil, errors.New("whatsapp sender is required")
	}
	if logger == nil {
		logger = &kinelink.NoopLogger{}
	}
	return &Service{sender: sender, history: history, logger: logger, now: time.Now}, nil
}

// Notify sends a message and records it only once the provider accepted it.
// A failed history write is logged; the message was still delivered.
func (s *Service) Notify(ctx context.Context, phone string, message, deepLink *string) SendResult {
	result := s.sender.Send(ctx, phone, message, deepLink)
	if !result.Success || result.Data == nil {
		s.logger.Warn("whatsapp notification failed", kinelink.F("error", result.Error))
		return result
	}
	if s.history == nil {
		return result
	}

	err := s.history.RecordMessage(ctx, &kinelink.MessageRecord{
		ID:                uuid.NewString(),
		Method:            "whatsapp",
		Recipient:         result.Data.Recipient,
		Template:          result.Data.Template,
		ProviderMessageID: result.Data.MessageID,
		SentAt:            s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to record whatsapp message",
			kinelink.F("message_id", result.Data.MessageID), kinelink.F("error", err))
	}
	return result
}
