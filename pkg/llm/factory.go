package llm

import (
	"fmt"
	"os"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DefaultModel returns the model used when a request leaves it unset,
// resolved from the environment per provider.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic", "claude":
		return getEnv("ANTHROPIC_MODEL", "claude-3-opus-20240229")
	default:
		return getEnv("OPENAI_MODEL", "gpt-4o")
	}
}

// NewProvider constructs a provider by name using environment credentials.
// Names "openai" and "anthropic" (alias "claude") are supported; anything
// else is treated as an OpenAI-compatible endpoint selected by
// OPENAI_BASE_URL.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "anthropic", "claude":
		return NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_BASE_URL"))
	case "", "openai":
		return NewOpenAIProvider(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"))
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
}
