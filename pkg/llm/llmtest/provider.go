// Package llmtest provides a scripted Provider implementation for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/emergentworks/swarmd/pkg/llm"
)

// ScriptedProvider replays queued responses. Chat pops from Stream
// responses, ChatComplete from Complete responses; when a queue is empty
// the corresponding default is returned. All calls are recorded. Safe for
// concurrent use.
type ScriptedProvider struct {
	mu sync.Mutex

	streamQueue   []string
	completeQueue []*llm.Completion

	StreamDefault   string
	CompleteDefault *llm.Completion

	ChatCalls     [][]llm.Message
	CompleteCalls [][]llm.Message

	// ChatFunc, when set, overrides the queue for Chat calls.
	ChatFunc func(messages []llm.Message) (string, error)
	// CompleteFunc, when set, overrides the queue for ChatComplete calls.
	CompleteFunc func(messages []llm.Message) (*llm.Completion, error)
}

// New returns an empty scripted provider that answers "ok" to everything.
func New() *ScriptedProvider {
	return &ScriptedProvider{
		StreamDefault:   "ok",
		CompleteDefault: &llm.Completion{Content: "ok"},
	}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

// QueueStream appends responses for future Chat calls.
func (p *ScriptedProvider) QueueStream(texts ...string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamQueue = append(p.streamQueue, texts...)
	return p
}

// QueueComplete appends responses for future ChatComplete calls.
func (p *ScriptedProvider) QueueComplete(completions ...*llm.Completion) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeQueue = append(p.completeQueue, completions...)
	return p
}

// Chat streams the next queued response in small chunks.
func (p *ScriptedProvider) Chat(ctx context.Context, messages []llm.Message, _ llm.Config) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.ChatCalls = append(p.ChatCalls, messages)
	text := p.StreamDefault
	if p.ChatFunc == nil && len(p.streamQueue) > 0 {
		text = p.streamQueue[0]
		p.streamQueue = p.streamQueue[1:]
	}
	fn := p.ChatFunc
	p.mu.Unlock()

	if fn != nil {
		out, err := fn(messages)
		if err != nil {
			return nil, err
		}
		text = out
	}

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)
		const chunkSize = 64
		runes := []rune(text)
		for i := 0; i < len(runes); i += chunkSize {
			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case chunks <- llm.Chunk{Text: string(runes[i:end])}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

// ChatComplete returns the next queued completion.
func (p *ScriptedProvider) ChatComplete(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, _ llm.Config) (*llm.Completion, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, messages)
	fn := p.CompleteFunc
	out := p.CompleteDefault
	if fn == nil && len(p.completeQueue) > 0 {
		out = p.completeQueue[0]
		p.completeQueue = p.completeQueue[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(messages)
	}
	return out, nil
}
