// Package models defines the core data structures for FeatureStudio.
//
// It includes sessions, lifecycle events, chat messages, quality metrics and the
// JSON envelopes returned by the HTTP endpoints. The types are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxChatMessageLength defines the maximum allowed length for a chat message
	MaxChatMessageLength = 8192
	// MaxFeatureLength defines the maximum allowed length for a feature document
	MaxFeatureLength = 256 * 1024
)

// Error variables for better error handling and testability
var (
	ErrMissingSessionID     = errors.New("sessionId is required")
	ErrEmptyMessage         = errors.New("message content cannot be empty")
	ErrMessageTooLong       = errors.New("message content exceeds maximum length")
	ErrFeatureTooLong       = errors.New("feature document exceeds maximum length")
	ErrRequestInFlight      = errors.New("a request for this session is already in flight")
	ErrSessionNotFound      = errors.New("session not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidMetrics       = errors.New("invalid metrics format: expected object")
	ErrInvalidSender        = errors.New("invalid message sender")
	ErrUnknownLifecycleKind = errors.New("unknown lifecycle event kind")
)

// Session is the opaque identifier scoping every realtime channel and persisted history.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sender identifies who authored a chat message.
type Sender string

const (
	// SenderUser marks a message typed by the analyst.
	SenderUser Sender = "user"
	// SenderAssistant marks a message produced by the AI workflow.
	SenderAssistant Sender = "assistant"
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderAssistant:
		return true
	default:
		return false
	}
}

// ChatMessage is one turn of the conversation.
// A typing placeholder (IsTyping) is replaced in place by the real message carrying the same ID.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	IsTyping  bool      `json:"isTyping,omitempty"`
}

// Validate checks that a message is well formed before it is persisted.
func (m *ChatMessage) Validate() error {
	if !IsValidSender(m.Sender) {
		return ErrInvalidSender
	}
	if len(m.Content) > MaxChatMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// RelayResponse is the success body of the inbound relay functions.
type RelayResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ReceivedAt string `json:"receivedAt"`
	Delivered  int    `json:"delivered"`
}

// RelayError is the failure body of the inbound relay functions.
type RelayError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
