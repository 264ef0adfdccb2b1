package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"insightstream/internal/domain"
)

var (
	ErrNoJSONObject    = errors.New("no JSON object in response")
	ErrMissingField    = errors.New("classification field missing")
	ErrInvalidField    = errors.New("classification field invalid")
	ErrEmptyCompletion = errors.New("empty completion")
)

// extractFirstJSONObject returns the first balanced {...} substring of s.
// Braces inside JSON string literals are ignored. A '{' that never closes is
// skipped and scanning resumes at the next one.
func extractFirstJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := matchObject(s, start); ok {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

type rawClassification struct {
	Sentiment  *string      `json:"sentiment"`
	Category   *string      `json:"category"`
	Urgency    *string      `json:"urgency"`
	BaseScore  *json.Number `json:"base_score"`
	ActionItem *string      `json:"action_item"`
}

// parseClassification extracts and validates a classification from free-form
// model output. Any missing or invalid field fails the whole parse.
func parseClassification(responseText string) (domain.ClassificationResult, error) {
	if strings.TrimSpace(responseText) == "" {
		return domain.ClassificationResult{}, ErrEmptyCompletion
	}
	obj, ok := extractFirstJSONObject(responseText)
	if !ok {
		return domain.ClassificationResult{}, ErrNoJSONObject
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.UseNumber()
	var raw rawClassification
	if err := dec.Decode(&raw); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("decode classification: %w", err)
	}

	switch {
	case raw.Sentiment == nil:
		return domain.ClassificationResult{}, fmt.Errorf("%w: sentiment", ErrMissingField)
	case raw.Category == nil:
		return domain.ClassificationResult{}, fmt.Errorf("%w: category", ErrMissingField)
	case raw.Urgency == nil:
		return domain.ClassificationResult{}, fmt.Errorf("%w: urgency", ErrMissingField)
	case raw.BaseScore == nil:
		return domain.ClassificationResult{}, fmt.Errorf("%w: base_score", ErrMissingField)
	case raw.ActionItem == nil:
		return domain.ClassificationResult{}, fmt.Errorf("%w: action_item", ErrMissingField)
	}

	sentiment, ok := domain.ParseSentiment(*raw.Sentiment)
	if !ok {
		return domain.ClassificationResult{}, fmt.Errorf("%w: sentiment %q", ErrInvalidField, *raw.Sentiment)
	}
	urgency, ok := domain.ParseUrgency(*raw.Urgency)
	if !ok {
		return domain.ClassificationResult{}, fmt.Errorf("%w: urgency %q", ErrInvalidField, *raw.Urgency)
	}
	category := domain.NormalizeCategory(*raw.Category)
	if category == "" {
		return domain.ClassificationResult{}, fmt.Errorf("%w: empty category", ErrInvalidField)
	}
	action := strings.TrimSpace(*raw.ActionItem)
	if action == "" {
		return domain.ClassificationResult{}, fmt.Errorf("%w: empty action_item", ErrInvalidField)
	}
	score, err := raw.BaseScore.Float64()
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.ClassificationResult{}, fmt.Errorf("%w: base_score %q", ErrInvalidField, raw.BaseScore.String())
	}
	// Clamp before converting so huge values cannot overflow int.
	score = math.Max(0, math.Min(100, math.Round(score)))

	return domain.ClassificationResult{
		Sentiment:  sentiment,
		Category:   category,
		Urgency:    urgency,
		BaseScore:  domain.ClampScore(int(score)),
		ActionItem: action,
	}, nil
}

// fallbackReason labels a parse or provider error for metrics.
func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCompletion):
		return "empty"
	case errors.Is(err, ErrNoJSONObject):
		return "no_json"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	default:
		return "decode"
	}
}
