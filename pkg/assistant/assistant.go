// Package assistant answers kiné questions with an OpenAI chat model and keeps
// the history of every conversation.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	maxConversationIDLen = 128
)

// Service runs assistant conversations
type Service struct {
	client       Completer
	store        kinelink.ConversationStore
	model        string
	systemPrompt string
	historyTurns int
	temperature  float32
	maxTokens    int
	logger       kinelink.Logger
	now          kinelink.TimeSource
}

// NewService creates an assistant from config
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := config.Client
	if client == nil {
		clientConfig := openai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		client = openai.NewClientWithConfig(clientConfig)
	}

	s := &Service{
		client:       client,
		store:        config.Store,
		model:        config.Model,
		systemPrompt: config.SystemPrompt,
		historyTurns: config.HistoryTurns,
		temperature:  config.Temperature,
		maxTokens:    config.MaxTokens,
		logger:       config.Logger,
		now:          config.Now,
	}
	if s.model == "" {
		s.model = DefaultModel
	}
	if s.systemPrompt == "" {
		s.systemPrompt = DefaultSystemPrompt
	}
	if s.historyTurns == 0 {
		s.historyTurns = DefaultHistoryTurns
	}
	if s.temperature == 0 {
		s.temperature = DefaultTemperature
	}
	if s.maxTokens == 0 {
		s.maxTokens = DefaultMaxTokens
	}
	if s.logger == nil {
		s.logger = &kinelink.NoopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Reply stores text as the next user turn of the conversation, asks the model
// for an answer with the recent history, and stores and returns that answer.
// Conversations are scoped to kineID: two kinés never share history.
func (s *Service) Reply(ctx context.Context, conversationID, kineID, text string) (*kinelink.ConversationTurn, error) {
	key, err := conversationKey(conversationID, kineID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	history, err := s.store.ListTurns(ctx, key, s.historyTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	userTurn := kinelink.ConversationTurn{Role: RoleUser, Content: text, CreatedAt: s.now().UTC()}
	if err := s.store.AppendTurn(ctx, key, userTurn); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.systemPrompt})
	for _, turn := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		User:        kineID,
	})
	if err != nil {
		s.logger.Error("assistant completion failed",
			kinelink.F("kine_id", kineID), kinelink.F("model", s.model),
			kinelink.F("duration", time.Since(start)), kinelink.F("error", err))
		return nil, fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyCompletion
	}

	s.logger.Debug("assistant replied",
		kinelink.F("kine_id", kineID), kinelink.F("tokens", resp.Usage.TotalTokens),
		kinelink.F("duration", time.Since(start)))

	reply := kinelink.ConversationTurn{
		Role:      RoleAssistant,
		Content:   resp.Choices[0].Message.Content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendTurn(ctx, key, reply); err != nil {
		return nil, fmt.Errorf("failed to store reply: %w", err)
	}
	return &reply, nil
}

// History returns every turn of a conversation in order.
// It returns kinelink.ErrConversationNotFound for a conversation without turns.
func (s *Service) History(ctx context.Context, conversationID, kineID string) ([]kinelink.ConversationTurn, error) {
	key, err := conversationKey(conversationID, kineID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, key, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(turns) == 0 {
		return nil, kinelink.ErrConversationNotFound
	}
	return turns, nil
}

func conversationKey(conversationID, kineID string) (string, error) {
	if kineID == "" || conversationID == "" || len(conversationID) > maxConversationIDLen {
		return "", ErrInvalidConversation
	}
	if strings.ContainsAny(conversationID, ":/ ") {
		return "", ErrInvalidConversation
	}
	return kineID + ":" + conversationID, nil
}

// IsClientError reports whether err was caused by the request rather than
// by the assistant or its storage
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrInvalidConversation)
}
