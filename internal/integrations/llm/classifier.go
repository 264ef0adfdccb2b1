package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"insightstream/internal/domain"
	"insightstream/internal/metrics"
)

// Classifier turns raw feedback text into a ClassificationResult. It never
// returns an error: every provider or parse failure becomes the fallback.
type Classifier struct {
	provider Completer
	glossary *Glossary
}

func NewClassifier(provider Completer, glossary *Glossary) *Classifier {
	return &Classifier{provider: provider, glossary: glossary}
}

// NewClassifierFromPaths loads the optional glossary and builds a classifier
// around provider.
func NewClassifierFromPaths(provider Completer, glossaryPath string) (*Classifier, error) {
	glossary, err := loadGlossaryIfConfigured(glossaryPath)
	if err != nil {
		return nil, err
	}
	if glossary != nil {
		slog.Info("llm glossary loaded", "path", glossaryPath, "terms", len(glossary.Terms))
	}
	return NewClassifier(provider, glossary), nil
}

func (c *Classifier) Classify(ctx context.Context, text string) (result domain.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("classifier panic", "panic", fmt.Sprint(r))
			metrics.ClassifierFallbacks.WithLabelValues("panic").Inc()
			result = domain.FallbackClassification()
		}
	}()

	if c.provider == nil {
		metrics.ClassifierFallbacks.WithLabelValues("no_provider").Inc()
		return domain.FallbackClassification()
	}

	systemPrompt, userPrompt := buildClassificationPrompts(text)
	started := time.Now()
	completion, err := c.provider.Complete(ctx, systemPrompt, userPrompt)
	c.recordUsage(completion.Usage)
	if err != nil {
		slog.Warn("classifier provider failed, using fallback",
			"provider", c.provider.Name(),
			"duration", time.Since(started),
			"err", err,
		)
		metrics.ClassifierFallbacks.WithLabelValues("provider_error").Inc()
		return domain.FallbackClassification()
	}

	parsed, err := parseClassification(completion.Text)
	if err != nil {
		reason := fallbackReason(err)
		slog.Warn("classifier response unusable, using fallback",
			"provider", c.provider.Name(),
			"reason", reason,
			"err", err,
		)
		metrics.ClassifierFallbacks.WithLabelValues(reason).Inc()
		return domain.FallbackClassification()
	}

	parsed = applyGlossaryOverrides(text, parsed, c.glossary)
	slog.Debug("classified feedback",
		"provider", c.provider.Name(),
		"category", parsed.Category,
		"urgency", parsed.Urgency,
		"base_score", parsed.BaseScore,
		"duration", time.Since(started),
	)
	return parsed
}

func (c *Classifier) recordUsage(usage LLMUsage) {
	if usage.TotalTokens() == 0 {
		return
	}
	name := c.provider.Name()
	metrics.ClassifierTokens.WithLabelValues(name, "input").Add(float64(usage.InputTokens))
	metrics.ClassifierTokens.WithLabelValues(name, "output").Add(float64(usage.OutputTokens))
	metrics.ClassifierTokens.WithLabelValues(name, "cache_write").Add(float64(usage.CacheCreationInputTokens))
	metrics.ClassifierTokens.WithLabelValues(name, "cache_read").Add(float64(usage.CacheReadInputTokens))
}
