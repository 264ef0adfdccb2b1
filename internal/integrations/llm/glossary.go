package llm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"insightstream/internal/domain"
)

// Glossary pins known phrases to a category and/or urgency regardless of
// what the model answered.
type Glossary struct {
	Terms []GlossaryTerm `yaml:"terms"`
}

type GlossaryTerm struct {
	Phrase   string `yaml:"phrase"`
	Category string `yaml:"category"`
	Urgency  string `yaml:"urgency"`
}

func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse glossary yaml: %w", err)
	}
	return &g, nil
}

func loadGlossaryIfConfigured(path string) (*Glossary, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return LoadGlossary(path)
}

func normalizeTextToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// applyGlossaryOverrides rewrites category and urgency from the first
// matching term. Terms with an unknown urgency only override the category.
func applyGlossaryOverrides(text string, result domain.ClassificationResult, glossary *Glossary) domain.ClassificationResult {
	if glossary == nil {
		return result
	}
	desc := normalizeTextToken(text)
	for _, term := range glossary.Terms {
		phrase := normalizeTextToken(term.Phrase)
		if phrase == "" || !strings.Contains(desc, phrase) {
			continue
		}
		if category := domain.NormalizeCategory(term.Category); category != "" {
			result.Category = category
		}
		if urgency, ok := domain.ParseUrgency(term.Urgency); ok {
			result.Urgency = urgency
		}
		break
	}
	return result
}
