// Package llm abstracts the chat-completion providers behind a single
// interface with streaming and tool-calling support.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one conversation entry in provider-neutral form. ToolCalls is
// set on assistant messages that request tool execution; ToolCallID links a
// role="tool" result back to its call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall uses the OpenAI function-call shape as the neutral format;
// the Anthropic adapter converts both ways.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a tool and carries its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Config tunes one provider call.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	TopP        *float32
}

// DefaultConfig returns the standard call settings.
func DefaultConfig(model string) Config {
	return Config{Model: model, Temperature: 0.7, MaxTokens: 16384}
}

// Chunk is one streamed fragment. Err terminates the stream when set.
type Chunk struct {
	Text string
	Err  error
}

// Completion is a full non-streamed response.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is a chat-completion backend. Chat streams text; ChatComplete
// returns the whole response and may carry tool calls when tools are
// offered. Both respect ctx cancellation.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []Message, cfg Config) (<-chan Chunk, error)
	ChatComplete(ctx context.Context, messages []Message, tools []ToolDefinition, cfg Config) (*Completion, error)
}
