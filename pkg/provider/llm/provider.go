// Package llm defines the Provider interface for the text-generation backend
// that drafts narration text for batch jobs.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("llm: request has no messages")

	// ErrEmptyCompletion is returned when the backend answers without text.
	ErrEmptyCompletion = errors.New("llm: empty completion")
)

// Message is a single entry of the conversation sent to the model.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages when set.
	SystemPrompt string
	Messages     []Message

	// Temperature and MaxTokens keep the backend default when zero.
	Temperature float64
	MaxTokens   int
}

// Validate reports whether r can be sent to a backend.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("llm: message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Prompt builds a single-turn request: one user message under an optional
// system prompt.
func Prompt(system, user string) CompletionRequest {
	return CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
	}
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It returns
	// [ErrEmptyCompletion] (wrapped) when the backend produced no text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
