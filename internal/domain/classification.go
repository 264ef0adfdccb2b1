package domain

import "strings"

type Sentiment string

const (
	SentimentPositive Sentiment = "Positive"
	SentimentNeutral  Sentiment = "Neutral"
	SentimentNegative Sentiment = "Negative"
)

type Urgency string

const (
	UrgencyHigh   Urgency = "High"
	UrgencyMedium Urgency = "Medium"
	UrgencyLow    Urgency = "Low"
)

// Known categories. Category stays a plain string because the classifier may
// return labels outside this set.
const (
	CategoryBug            = "Bug"
	CategoryFeatureRequest = "Feature Request"
	CategoryDocs           = "Docs"
	CategoryOutage         = "Outage"
	CategoryGeneral        = "General"
)

const (
	FallbackBaseScore  = 10
	FallbackActionItem = "Manual Review"
)

type ClassificationResult struct {
	Sentiment  Sentiment `json:"sentiment"`
	Category   string    `json:"category"`
	Urgency    Urgency   `json:"urgency"`
	BaseScore  int       `json:"base_score"`
	ActionItem string    `json:"action_item"`
}

// FallbackClassification is the conservative result used whenever the
// classifier cannot produce a usable answer.
func FallbackClassification() ClassificationResult {
	return ClassificationResult{
		Sentiment:  SentimentNeutral,
		Category:   CategoryGeneral,
		Urgency:    UrgencyLow,
		BaseScore:  FallbackBaseScore,
		ActionItem: FallbackActionItem,
	}
}

func ParseSentiment(s string) (Sentiment, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return SentimentPositive, true
	case "neutral":
		return SentimentNeutral, true
	case "negative":
		return SentimentNegative, true
	default:
		return "", false
	}
}

func ParseUrgency(s string) (Urgency, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return UrgencyHigh, true
	case "medium":
		return UrgencyMedium, true
	case "low":
		return UrgencyLow, true
	default:
		return "", false
	}
}

// NormalizeCategory maps known labels and their common spellings onto the
// canonical names. Unknown labels are returned trimmed.
func NormalizeCategory(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "bug", "bugs", "major bug":
		return CategoryBug
	case "feature request", "feature", "feature-request", "feature_request":
		return CategoryFeatureRequest
	case "docs", "doc", "documentation":
		return CategoryDocs
	case "outage", "critical outage":
		return CategoryOutage
	case "general":
		return CategoryGeneral
	default:
		return s
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
