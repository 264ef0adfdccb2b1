package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"insightstream/internal/httpx"
)

type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicProvider(apiKey, model string, maxTokens int) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpx.ExternalHTTPClient()),
		),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			slog.Debug("llm anthropic response",
				"model", p.model,
				"size", len(block.Text),
				"tokens_in", usage.InputTokens,
				"tokens_out", usage.OutputTokens,
			)
			return Completion{Text: block.Text, Usage: usage}, nil
		}
	}
	return Completion{Usage: usage}, fmt.Errorf("no text content in anthropic response")
}
