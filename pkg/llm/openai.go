package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/emergentworks/swarmd/pkg/metrics"
)

// OpenAIProvider adapts any OpenAI-compatible chat endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an adapter. baseURL is optional and allows
// pointing at OpenAI-compatible gateways.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Chat streams assistant text for the given conversation.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, cfg Config) (<-chan Chunk, error) {
	req := p.buildRequest(messages, nil, cfg)
	req.Stream = true

	metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "stream").Inc()
	started := time.Now()

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		defer func() {
			metrics.LLMRequestSeconds.WithLabelValues(p.Name(), "stream").Observe(time.Since(started).Seconds())
		}()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case chunks <- Chunk{Err: fmt.Errorf("openai: stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- Chunk{Text: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return chunks, nil
}

// ChatComplete returns a full response, offering tools when provided.
func (p *OpenAIProvider) ChatComplete(ctx context.Context, messages []Message, tools []ToolDefinition, cfg Config) (*Completion, error) {
	req := p.buildRequest(messages, tools, cfg)

	metrics.LLMRequestsTotal.WithLabelValues(p.Name(), "complete").Inc()
	started := time.Now()
	defer func() {
		metrics.LLMRequestSeconds.WithLabelValues(p.Name(), "complete").Observe(time.Since(started).Seconds())
	}()

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}

	choice := resp.Choices[0].Message
	out := &Completion{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition, cfg Config) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.TopP != nil {
		req.TopP = *cfg.TopP
	}

	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, m)
	}

	for _, tool := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return req
}
