// Package llm exposes generative backends behind a single chat capability.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/raaihank/llm-reflexion/internal/usage"
)

// Role tags a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn of a conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System creates a system message
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User creates a user message
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant creates an assistant message
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ChatOptions controls a single completion
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Completion is the text, finish reason and metered usage of one call
type Completion struct {
	Text         string           `json:"text"`
	FinishReason string           `json:"finish_reason"`
	Usage        usage.TokenUsage `json:"usage"`
}

// ChatModel generates a chat completion with usage metering.
// Provider-specific variants implement it; callers never depend on a concrete provider.
type ChatModel interface {
	Name() string
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error)
}

// ProviderError wraps a failed backend call
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s call for model %s failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transcript renders messages as "role: content" lines, used in debug logs
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
