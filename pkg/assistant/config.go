package assistant

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const (
	// DefaultModel is used when Config.Model is empty
	DefaultModel = openai.GPT4oMini

	// DefaultHistoryTurns bounds how many stored turns are sent with a new message
	DefaultHistoryTurns = 20

	// DefaultMaxTokens caps the length of a reply
	DefaultMaxTokens = 800

	// DefaultTemperature is the sampling temperature of replies
	DefaultTemperature float32 = 0.4

	// MaxMessageLength is the longest accepted user message, in characters
	MaxMessageLength = 4000

	// DefaultSystemPrompt frames the assistant for physiotherapists
	DefaultSystemPrompt = "You are the kinelink assistant. You help physiotherapists (kinés) " +
		"with their practice: patient exercise programs, appointment follow-up and app usage. " +
		"Answer concisely, in the language of the question. You never give a medical diagnosis."
)

// Completer is the part of the OpenAI client the assistant uses.
// *openai.Client satisfies it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the assistant
type Config struct {
	// APIKey authenticates against the OpenAI API. Required unless Client is set.
	APIKey string

	// BaseURL overrides the API endpoint (OpenAI compatible servers, tests)
	BaseURL string

	// Model defaults to DefaultModel
	Model string

	// SystemPrompt defaults to DefaultSystemPrompt
	SystemPrompt string

	// HistoryTurns defaults to DefaultHistoryTurns
	HistoryTurns int

	Temperature float32
	MaxTokens   int

	// Store keeps conversation turns (required)
	Store kinelink.ConversationStore

	// Client replaces the OpenAI client built from APIKey and BaseURL
	Client Completer

	Logger kinelink.Logger
	Now    kinelink.TimeSource
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("conversation store is required")
	}
	if c.Client == nil && c.APIKey == "" {
		return ErrNotConfigured
	}
	if c.HistoryTurns < 0 || c.MaxTokens < 0 {
		return errors.New("history turns and max tokens must not be negative")
	}
	return nil
}
