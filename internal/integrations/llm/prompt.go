package llm

import (
	"strings"
)

const classificationSystemPrompt = `You triage customer feedback for a software product.
Classify the feedback and rate its base severity using this rubric:

| Band             | base_score | Meaning                                   |
|------------------|------------|-------------------------------------------|
| Critical outage  | 90-100     | site down, payments failing, security leak |
| Major bug        | 60-89      | feature broken, errors                    |
| Feature request  | 30-59      | new capability                            |
| Cosmetic/trivial | 0-29       | typos, visuals                            |

Pick the exact base_score inside the band yourself.
- sentiment: one of Positive, Neutral, Negative
- category: one of Bug, Feature Request, Docs, Outage (another short label only if none fit)
- urgency: one of High, Medium, Low
- action_item: one short imperative sentence for the team

Respond with JSON only (no markdown):
{"sentiment": "Negative", "category": "Bug", "urgency": "High", "base_score": 72, "action_item": "Fix the login redirect loop"}`

// maxFeedbackRunes caps how much raw text is sent to the provider.
const maxFeedbackRunes = 4000

func buildClassificationPrompts(text string) (string, string) {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxFeedbackRunes {
		text = string(r[:maxFeedbackRunes]) + "..."
	}
	userPrompt := "Classify this feedback:\n\n" + text
	return classificationSystemPrompt, userPrompt
}
