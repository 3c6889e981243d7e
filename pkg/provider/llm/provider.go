// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// or a local Ollama instance) and streams the assistant's reply so the voice
// peer can start speaking before the model has finished.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a [Chunk] that carries a mid-stream failure in Err.
const FinishReasonError = "error"

// Message is a single message in the conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before the history as a system message.
	SystemPrompt string

	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Chunk is a single fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length" or
	// FinishReasonError.
	FinishReason string

	// Err is set when FinishReason is FinishReasonError.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel of chunks.
	// The channel is closed when generation finishes or ctx is cancelled.
	// Failures after the stream started arrive as a chunk with
	// FinishReasonError; the error return covers failures to start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// Complete drains a streaming completion into one string.
func Complete(ctx context.Context, p Provider, req CompletionRequest) (string, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for c := range ch {
		if c.FinishReason == FinishReasonError {
			err = c.Err
			if err == nil {
				err = errors.New("llm: stream failed")
			}
			continue
		}
		b.WriteString(c.Text)
	}
	if err != nil {
		return b.String(), err
	}
	return b.String(), ctx.Err()
}

// MergeTurns drops empty messages and joins consecutive messages from the
// same role with a space. A barge-in followed by more speech yields two user
// turns in a row, which several chat APIs reject.
func MergeTurns(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += " " + text
			continue
		}
		out = append(out, Message{Role: m.Role, Content: text})
	}
	return out
}
