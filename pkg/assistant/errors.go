package assistant

import "errors"

var (
	// ErrNotConfigured is returned when no API key was provided
	ErrNotConfigured = errors.New("assistant not configured")

	// ErrEmptyMessage is returned for a blank user message
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned for a message over MaxMessageLength characters
	ErrMessageTooLong = errors.New("message is too long")

	// ErrInvalidConversation is returned for a missing or malformed conversation id
	ErrInvalidConversation = errors.New("invalid conversation id")

	// ErrCompletionFailed wraps errors returned by the completion API
	ErrCompletionFailed = errors.New("assistant completion failed")

	// ErrEmptyCompletion is returned when the API answered without any choice
	ErrEmptyCompletion = errors.New("assistant returned no reply")
)
