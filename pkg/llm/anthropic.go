package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/emergentworks/swarmd/pkg/metrics"
)

// AnthropicProvider adapts the Anthropic messages API. System prompts are
// extracted from the message list (Anthropic keeps them out of messages)
// and tool calls are converted between the neutral OpenAI shape and
// Anthropic content blocks.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an adapter.
func NewAnthropicProvider(apiKey, baseURL string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat streams assistant text for the given conversation.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, cfg Config) (<-chan Chunk, error) {
	params, err := p.buildParams(messages, nil, cfg)
	if err != nil {
		return nil, err
	}

	metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "stream").Inc()
	started := time.Now()

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer func() {
			metrics.LLMRequestSeconds.WithLabelValues(p.Name(), "stream").Observe(time.Since(started).Seconds())
		}()
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				select {
				case chunks <- Chunk{Text: delta.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case chunks <- Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// ChatComplete returns a full response, offering tools when provided.
func (p *AnthropicProvider) ChatComplete(ctx context.Context, messages []Message, tools []ToolDefinition, cfg Config) (*Completion, error) {
	params, err := p.buildParams(messages, tools, cfg)
	if err != nil {
		return nil, err
	}

	metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "complete").Inc()
	started := time.Now()
	defer func() {
		metrics.LLMRequestSeconds.WithLabelValues(p.Name(), "complete").Observe(time.Since(started).Seconds())
	}()

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: message: %w", err)
	}

	out := &Completion{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   toolUse.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      toolUse.Name,
					Arguments: string(toolUse.Input),
				},
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []ToolDefinition, cfg Config) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: int64(cfg.MaxTokens),
	}
	if cfg.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(cfg.Temperature))
	}
	if cfg.TopP != nil {
		params.TopP = anthropic.Float(float64(*cfg.TopP))
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content,
			})

		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			// Anthropic rejects empty text blocks on tool-calling turns.
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(content) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))

		case "tool":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return params, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}
