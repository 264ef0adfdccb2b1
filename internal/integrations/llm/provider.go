package llm

import (
	"context"
	"fmt"
	"time"

	"insightstream/internal/config"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// Completer is one chat-completion backend.
type Completer interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
}

type Completion struct {
	Text  string
	Usage LLMUsage
}

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// NewProvider builds the configured backend wrapped in retry and timeout
// limits.
func NewProvider(cfg config.Config) (Completer, error) {
	var inner Completer
	switch cfg.LLMProvider {
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		inner = NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model, cfg.LLMMaxTokens)
	case "anthropic":
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		inner = NewAnthropicProvider(cfg.AnthropicAPIKey, model, cfg.LLMMaxTokens)
	default:
		return nil, fmt.Errorf("unsupported llm_provider %q", cfg.LLMProvider)
	}
	return NewResilientProvider(inner, ResilienceConfig{
		MaxAttempts:  cfg.ClassifierMaxAttempts,
		InitialDelay: 500 * time.Millisecond,
		Timeout:      cfg.ClassifierTimeout(),
	}), nil
}
