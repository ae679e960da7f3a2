// Package llm provides interfaces and types for Large Language Model client implementations.
package llm

import (
	"context"
	"io"
	"time"

	"solver/pkg/agent/llmerrors"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a message carrying the output of a tool invocation.
	RoleTool Role = "tool"
)

const (
	// TemperatureDefault is the default sampling temperature. Allows some
	// exploration while staying focused.
	TemperatureDefault = 0.3

	// MaxTokensDefault is the default completion budget.
	MaxTokensDefault = 4096
)

// Message is an immutable conversation entry. Mutating helpers return
// copies; the backing metadata map is never shared.
type Message struct {
	Metadata   map[string]string // Optional annotations (step name, attempt counters)
	Content    string
	ToolCallID string // Required for RoleTool, empty otherwise
	Role       Role
}

// NewMessage creates a validated message.
func NewMessage(role Role, content string) (Message, error) {
	msg := Message{Role: role, Content: content}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NewSystemMessage creates a new system message. Content must be non-empty.
func NewSystemMessage(content string) (Message, error) {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message. Content must be non-empty.
func NewUserMessage(content string) (Message, error) {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message. Assistant content may
// be empty; empty completions are classified upstream, not here.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a message carrying tool output tied to a call ID.
func NewToolMessage(content, toolCallID string) (Message, error) {
	msg := Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate enforces the role and content rules.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if m.Content == "" {
			return llmerrors.NewConfigError("%s message content cannot be empty", m.Role)
		}
	case RoleAssistant:
		// Empty assistant content is allowed.
	case RoleTool:
		if m.ToolCallID == "" {
			return llmerrors.NewConfigError("tool message requires a tool call ID")
		}
	default:
		return llmerrors.NewConfigError("unknown message role %q", string(m.Role))
	}
	return nil
}

// WithMetadata returns a copy of the message with the key set. The original
// message is untouched.
func (m Message) WithMetadata(key, value string) Message {
	meta := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// Meta returns the metadata value for key, or "".
func (m Message) Meta(key string) string {
	return m.Metadata[key]
}

// Equal reports whether two messages carry the same role, content, tool call
// ID, and metadata.
func (m Message) Equal(other Message) bool {
	if m.Role != other.Role || m.Content != other.Content || m.ToolCallID != other.ToolCallID {
		return false
	}
	if len(m.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range m.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// NewCompletionRequest creates a completion request with default limits.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   MaxTokensDefault,
		Temperature: TemperatureDefault,
	}
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string // Main response text
	StopReason string // Why the response stopped: "end_turn", "max_tokens", "refusal", etc.
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// Client defines the interface for language model interactions.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a finite stream of chunks. The
	// returned channel is closed after the final chunk; streams are not
	// restartable.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// Config holds the per-provider settings a client is built from.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string // Optional endpoint override (local providers)
	MaxTokens   int
	Timeout     time.Duration
	RetryCount  int // Retries after the first attempt; total attempts = RetryCount+1
	Temperature float32
}

// Validate enforces the configuration invariants. API key presence is
// checked per provider by the factory, since local providers run without one.
func (c *Config) Validate() error {
	if c.Model == "" {
		return llmerrors.NewConfigError("model name cannot be empty")
	}
	if c.Temperature < 0.0 || c.Temperature > 1.0 {
		return llmerrors.NewTemperatureError(c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return llmerrors.NewConfigError("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Timeout <= 0 {
		return llmerrors.NewConfigError("timeout must be positive, got %s", c.Timeout)
	}
	if c.RetryCount < 0 {
		return llmerrors.NewConfigError("retry count cannot be negative, got %d", c.RetryCount)
	}
	return nil
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() {
			_ = pw.Close()
		}()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}
